package batchsync

// Split partitions ids into contiguous chunks of at most size items.
// Empty input yields no batches. A non-positive size yields one batch
// holding everything.
func Split(ids []string, size int) []Batch {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}

	total := (len(ids) + size - 1) / size
	batches := make([]Batch, 0, total)

	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}

		chunk := make([]string, end-i)
		copy(chunk, ids[i:end])

		batches = append(batches, Batch{
			Number:  len(batches) + 1,
			Total:   total,
			ItemIDs: chunk,
		})
	}

	return batches
}
