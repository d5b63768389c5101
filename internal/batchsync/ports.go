package batchsync

import (
	"context"
	"time"
)

// Adapter is the per-domain collaborator the orchestrator drives
type Adapter interface {
	// FetchUnsynchronized returns up to limit ids of items not yet synchronized,
	// starting at offset, in a stable order
	FetchUnsynchronized(ctx context.Context, limit, offset int) ([]string, error)

	// SyncOne pushes a single item to the external system.
	// Returning an error wrapping ErrSkipped classifies the item as skipped.
	SyncOne(ctx context.Context, id string) error
}

// SyncChecker is an optional fast path an Adapter may implement to report
// items already marked synced by a concurrent process
type SyncChecker interface {
	IsAlreadySynced(ctx context.Context, id string) (bool, error)
}

// Preconditioner is an optional check an Adapter may implement, evaluated
// before every item (e.g. the external system is reachable)
type Preconditioner interface {
	Ready(ctx context.Context) error
}

// CursorStore holds the durable scan offset per domain
type CursorStore interface {
	// Get returns the cursor for domain, 0 if absent
	Get(ctx context.Context, domain string) (int, error)

	// Set overwrites the cursor for domain
	Set(ctx context.Context, domain string, value int) error
}

// JobLedger holds the per-run progress records
type JobLedger interface {
	// Create inserts a new entry
	Create(ctx context.Context, job *Job) error

	// AddProgress atomically increments the counters of a processing entry
	AddProgress(ctx context.Context, jobID string, synced, failed, skipped int) error

	// Finalize applies the terminal update; counters are frozen afterwards
	Finalize(ctx context.Context, jobID string, fin Finalization) error

	// Get returns the entry, ErrRunNotFound if absent or expired
	Get(ctx context.Context, jobID string) (*Job, error)
}

// Locker provides the per-domain lease around scan-mode runs
type Locker interface {
	// Acquire takes the lease for domain if it is free or expired
	Acquire(ctx context.Context, domain, holder string, ttl time.Duration) (bool, error)

	// Release frees the lease if still held by holder
	Release(ctx context.Context, domain, holder string) error
}

// Observer receives run lifecycle notifications (metrics)
type Observer interface {
	RunStarted(domain string, mode Mode, items, batches int)
	BatchCompleted(domain string, result BatchResult, elapsed time.Duration)
	RunFinished(domain string, status Status, totals Totals, elapsed time.Duration)
	CursorMoved(domain string, offset int)
}

// NopObserver ignores all notifications
type NopObserver struct{}

func (NopObserver) RunStarted(string, Mode, int, int)                 {}
func (NopObserver) BatchCompleted(string, BatchResult, time.Duration) {}
func (NopObserver) RunFinished(string, Status, Totals, time.Duration) {}
func (NopObserver) CursorMoved(string, int)                           {}
