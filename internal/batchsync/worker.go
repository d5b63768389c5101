package batchsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// worker processes the items of one batch sequentially
type worker struct {
	domain      string
	runID       string
	adapter     Adapter
	checkSynced bool
	maxErrors   int
	logger      *slog.Logger
}

func newWorker(domain, runID string, adapter Adapter, checkSynced bool, maxErrors int, logger *slog.Logger) *worker {
	return &worker{
		domain:      domain,
		runID:       runID,
		adapter:     adapter,
		checkSynced: checkSynced,
		maxErrors:   maxErrors,
		logger:      logger,
	}
}

// process classifies every item of the batch. One item's failure never
// stops the remaining items.
func (w *worker) process(ctx context.Context, batch Batch) BatchResult {
	w.logger.Info("processing batch",
		"run_id", w.runID,
		"domain", w.domain,
		"batch", batch.Number,
		"total_batches", batch.Total,
		"items", len(batch.ItemIDs))

	result := BatchResult{BatchNumber: batch.Number}

	for _, id := range batch.ItemIDs {
		outcome, err := w.processItem(ctx, id)

		switch outcome {
		case OutcomeSynced:
			result.Synced++
		case OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
			if w.maxErrors <= 0 || len(result.Errors) < w.maxErrors {
				result.Errors = append(result.Errors, ItemError{ItemID: id, Error: err.Error()})
			}
			w.logger.Error("item sync failed",
				"run_id", w.runID,
				"domain", w.domain,
				"batch", batch.Number,
				"item_id", id,
				"error", err)
		}
	}

	return result
}

// processItem runs the precondition, the already-synced check and the sync
// call for a single item
func (w *worker) processItem(ctx context.Context, id string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}

	// A blank id cannot be pushed but still holds its position in the page
	if id == "" {
		w.logger.Warn("skipping item with empty id",
			"run_id", w.runID,
			"domain", w.domain)
		return OutcomeSkipped, nil
	}

	// Step 1: precondition (external system reachable)
	if p, ok := w.adapter.(Preconditioner); ok {
		if err := p.Ready(ctx); err != nil {
			return OutcomeFailed, fmt.Errorf("precondition: %w", err)
		}
	}

	// Step 2: already marked synced by someone else
	if w.checkSynced {
		if c, ok := w.adapter.(SyncChecker); ok {
			synced, err := c.IsAlreadySynced(ctx, id)
			if err != nil {
				return OutcomeFailed, fmt.Errorf("synced check: %w", err)
			}
			if synced {
				return OutcomeSkipped, nil
			}
		}
	}

	// Step 3: push
	if err := w.adapter.SyncOne(ctx, id); err != nil {
		if errors.Is(err, ErrSkipped) {
			w.logger.Debug("item skipped",
				"run_id", w.runID,
				"item_id", id,
				"reason", err)
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, err
	}

	return OutcomeSynced, nil
}
