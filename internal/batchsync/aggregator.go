package batchsync

import (
	"context"
	"fmt"
)

// aggregate reduces batch results into run totals. The merged error list
// keeps at most maxErrors entries, in batch order.
func aggregate(results []BatchResult, maxErrors int) Totals {
	var totals Totals
	for _, r := range results {
		totals.Synced += r.Synced
		totals.Failed += r.Failed
		totals.Skipped += r.Skipped

		for _, e := range r.Errors {
			if maxErrors > 0 && len(totals.Errors) >= maxErrors {
				break
			}
			totals.Errors = append(totals.Errors, e)
		}
	}
	return totals
}

// nextOffset returns the cursor value after a run, nil for manual runs.
// Failed items are never counted so they reappear at the same offset.
func nextOffset(mode Mode, start int, totals Totals) *int {
	if mode != ModeScan {
		return nil
	}
	next := start + totals.Advance()
	return &next
}

// aggregateRun is the fan-in step. It runs exactly once per dispatched run,
// after every batch has reported.
func (o *Orchestrator) aggregateRun(ctx context.Context, r *run, results []BatchResult) {
	state := r.state.(*AggregatingState)

	totals := aggregate(results, o.config.runErrorCap())
	endedAt := o.now()
	elapsed := endedAt.Sub(r.startedAt)

	fin := Finalization{
		Status:   StatusCompleted,
		Synced:   totals.Synced,
		Failed:   totals.Failed,
		Skipped:  totals.Skipped,
		EndedAt:  endedAt,
		Duration: elapsed,
		Errors:   totals.Errors,
	}

	var failure error

	// The cursor is written before the ledger is finalized: losing the
	// ledger update is harmless, losing the advance means reprocessing.
	if next := nextOffset(r.mode, r.startOffset, totals); next != nil {
		if err := o.cursors.Set(ctx, r.domain, *next); err != nil {
			failure = fmt.Errorf("advance cursor: %w", err)
		} else {
			fin.NewOffset = next
			o.observer.CursorMoved(r.domain, *next)
			o.logger.Info("cursor advanced",
				"domain", r.domain,
				"run_id", r.id,
				"from", r.startOffset,
				"to", *next)
		}
	}

	if failure == nil {
		if err := o.ledger.Finalize(ctx, r.id, fin); err != nil {
			failure = fmt.Errorf("finalize ledger entry: %w", err)
		}
	}

	if failure != nil {
		o.logger.Error("run aggregation failed",
			"domain", r.domain,
			"run_id", r.id,
			"error", failure)

		fin.Status = StatusFailed
		fin.Error = failure.Error()
		if err := o.ledger.Finalize(ctx, r.id, fin); err != nil {
			o.logger.Error("unable to record run failure",
				"domain", r.domain,
				"run_id", r.id,
				"error", err)
		}

		r.status = StatusFailed
		o.transitionTo(r, state.ToFailedDuringRun())
		o.observer.RunFinished(r.domain, StatusFailed, totals, elapsed)
		return
	}

	r.status = StatusCompleted
	o.transitionTo(r, state.ToCompleted())
	o.observer.RunFinished(r.domain, StatusCompleted, totals, elapsed)

	o.logger.Info("run completed",
		"domain", r.domain,
		"run_id", r.id,
		"mode", r.mode.String(),
		"synced", totals.Synced,
		"failed", totals.Failed,
		"skipped", totals.Skipped,
		"duration", elapsed)
}
