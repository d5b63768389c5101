package batchsync

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how a run discovers its items and whether it may move the cursor
type Mode int

const (
	// ModeScan fetches items from the domain's source starting at the stored cursor
	ModeScan Mode = iota
	// ModeManual processes a caller-supplied list of ids and never touches the cursor
	ModeManual
)

// String returns a human-readable representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeScan:
		return "scan"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Status is the ledger status of a run
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further mutation of the ledger entry is expected
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is the classification of a single item within a batch
type Outcome int

const (
	OutcomeSynced Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// String returns a human-readable representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Standard errors
var (
	ErrUnknownDomain  = errors.New("batchsync: unknown domain")
	ErrInvalidRequest = errors.New("batchsync: invalid run request")
	ErrRunInProgress  = errors.New("batchsync: scan already in progress for domain")
	ErrRunNotFound    = errors.New("batchsync: run not found")

	// ErrRunFinalized is returned when a terminal ledger entry would be rewritten
	ErrRunFinalized = errors.New("batchsync: run already finalized")

	// ErrSkipped marks an item that must not be pushed and must not be retried.
	// Adapters return it (usually through Skip) from SyncOne.
	ErrSkipped = errors.New("batchsync: item skipped")
)

// Skip returns an error wrapping ErrSkipped with the given reason
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// ItemError records why a single item failed
type ItemError struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

// Batch is an ordered, immutable slice of item ids belonging to one run
type Batch struct {
	Number  int // 1-based
	Total   int
	ItemIDs []string
}

// BatchResult is the tally produced by one batch worker
type BatchResult struct {
	BatchNumber int
	Synced      int
	Failed      int
	Skipped     int
	Errors      []ItemError
}

// Processed returns the number of classified items
func (r BatchResult) Processed() int {
	return r.Synced + r.Failed + r.Skipped
}

// Totals is the run-level reduction of all batch results
type Totals struct {
	Synced  int
	Failed  int
	Skipped int
	Errors  []ItemError
}

// Advance is the number of items the cursor may move past
func (t Totals) Advance() int {
	return t.Synced + t.Skipped
}

// RunRequest describes a run to start.
//
// A nil ItemIDs selects scan mode; a non-nil slice (even an empty one)
// selects manual mode.
type RunRequest struct {
	Domain         string   `json:"-"`
	ItemIDs        []string `json:"item_ids,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty" validate:"gte=0"`
	FilterUnsynced bool     `json:"filter_unsynced"`
	ResetCursor    bool     `json:"reset_cursor"`
}

// Mode returns the run mode implied by the request
func (r RunRequest) Mode() Mode {
	if r.ItemIDs != nil {
		return ModeManual
	}
	return ModeScan
}

// StartResult is returned as soon as a run has been dispatched
type StartResult struct {
	RunID        string `json:"run_id"`
	Domain       string `json:"domain"`
	Mode         string `json:"mode"`
	TotalItems   int    `json:"total_items"`
	TotalBatches int    `json:"total_batches"`
	Status       Status `json:"status"`
}

// Job is a Job Ledger entry: the inspectable record of one run
type Job struct {
	ID            string         `json:"run_id"`
	Domain        string         `json:"domain"`
	Mode          Mode           `json:"-"`
	Status        Status         `json:"status"`
	TotalItems    int            `json:"total"`
	TotalBatches  int            `json:"total_batches"`
	Synced        int            `json:"synced"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	CurrentOffset int            `json:"current_offset"`
	NewOffset     *int           `json:"new_offset,omitempty"`
	StartedAt     time.Time      `json:"start_time"`
	EndedAt       *time.Time     `json:"end_time,omitempty"`
	Duration      *time.Duration `json:"duration,omitempty"`
	Errors        []ItemError    `json:"errors,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Finalization is the terminal update applied once to a ledger entry
type Finalization struct {
	Status    Status
	Synced    int
	Failed    int
	Skipped   int
	NewOffset *int
	EndedAt   time.Time
	Duration  time.Duration
	Errors    []ItemError
	Error     string
}
