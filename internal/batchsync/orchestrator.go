package batchsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Deps are the stores and hooks the orchestrator is built on
type Deps struct {
	Cursors  CursorStore
	Ledger   JobLedger
	Locker   Locker
	Observer Observer

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Completion is emitted once per run after its ledger entry is final
type Completion struct {
	RunID  string
	Domain string
	Mode   Mode
	Status Status
}

// Orchestrator starts batch synchronization runs and drives them from
// dispatch to aggregation
type Orchestrator struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Dependencies
	cursors  CursorStore
	ledger   JobLedger
	locker   Locker
	observer Observer
	now      func() time.Time

	// Registered domains and in-flight runs
	mu      sync.RWMutex
	domains map[string]domainEntry
	active  map[string]*run // runID → run

	onComplete func(Completion)
	wg         sync.WaitGroup

	// Optional state recorder for testing
	recorder *StateRecorder
}

type domainEntry struct {
	adapter Adapter
	opts    DomainOptions
}

// run is the in-memory state of one run
type run struct {
	key         string // unique token; lease holder
	id          string
	domain      string
	mode        Mode
	checkSynced bool
	startOffset int
	leaseHeld   bool
	startedAt   time.Time
	state       State
	status      Status
	done        chan struct{}
}

// New creates an orchestrator with validated configuration
func New(config Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if deps.Cursors == nil || deps.Ledger == nil || deps.Locker == nil {
		return nil, fmt.Errorf("cursor store, job ledger and locker are required")
	}

	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Orchestrator{
		config:   config,
		logger:   logger,
		cursors:  deps.Cursors,
		ledger:   deps.Ledger,
		locker:   deps.Locker,
		observer: observer,
		now:      clock,
		domains:  make(map[string]domainEntry),
		active:   make(map[string]*run),
	}, nil
}

// Register adds or replaces the adapter for a domain
func (o *Orchestrator) Register(domain string, adapter Adapter, opts DomainOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.domains[domain] = domainEntry{adapter: adapter, opts: opts}
}

// Domains returns the registered domain names, sorted
func (o *Orchestrator) Domains() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.domains))
	for name := range o.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnComplete installs a hook called after every run reaches a terminal state.
// It must be set before the first run is started.
func (o *Orchestrator) OnComplete(fn func(Completion)) {
	o.onComplete = fn
}

// Trigger is the scheduler entry point: it starts a scan-mode run for domain
// with the configured batch size and returns without waiting for it
func (o *Orchestrator) Trigger(ctx context.Context, domain string) (*StartResult, error) {
	return o.StartRun(ctx, RunRequest{
		Domain:         domain,
		FilterUnsynced: true,
	})
}

// StartRun resolves the item set, creates the ledger entry and dispatches the
// batches. It returns after dispatch, before any batch has finished.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (*StartResult, error) {
	entry, err := o.lookup(req.Domain)
	if err != nil {
		return nil, err
	}

	mode := req.Mode()
	if err := validateRequest(req, mode); err != nil {
		return nil, err
	}

	r := &run{
		key:         uuid.NewString(),
		domain:      req.Domain,
		mode:        mode,
		checkSynced: req.FilterUnsynced,
		state:       &IdleState{},
		status:      StatusProcessing,
		done:        make(chan struct{}),
	}
	o.transitionTo(r, r.state.(*IdleState).ToStarting())
	starting := r.state.(*StartingState)

	ids, err := o.resolveItems(ctx, r, entry, req)
	if err != nil {
		o.failStart(r, err)
		return nil, err
	}

	batchSize := o.batchSize(req, entry)
	batches := Split(ids, batchSize)

	r.startedAt = o.now()
	r.id = newRunID(r.domain, r.mode, r.startOffset, r.startedAt, r.key)

	job := &Job{
		ID:            r.id,
		Domain:        r.domain,
		Mode:          r.mode,
		Status:        StatusProcessing,
		TotalItems:    len(ids),
		TotalBatches:  len(batches),
		CurrentOffset: r.startOffset,
		StartedAt:     r.startedAt,
		ExpiresAt:     r.startedAt.Add(o.config.JobRetention),
	}

	if len(batches) == 0 {
		return o.completeEmpty(ctx, r, job, starting)
	}

	if err := o.ledger.Create(ctx, job); err != nil {
		err = fmt.Errorf("create ledger entry: %w", err)
		o.failStart(r, err)
		return nil, err
	}

	o.mu.Lock()
	o.active[r.id] = r
	o.mu.Unlock()

	o.observer.RunStarted(r.domain, r.mode, len(ids), len(batches))
	o.logger.Info("run dispatched",
		"domain", r.domain,
		"run_id", r.id,
		"mode", r.mode.String(),
		"offset", r.startOffset,
		"items", len(ids),
		"batches", len(batches),
		"batch_size", batchSize)

	o.transitionTo(r, starting.ToDispatched())

	o.wg.Add(1)
	go o.execute(context.WithoutCancel(ctx), r, entry.adapter, batches)

	return &StartResult{
		RunID:        r.id,
		Domain:       r.domain,
		Mode:         r.mode.String(),
		TotalItems:   len(ids),
		TotalBatches: len(batches),
		Status:       StatusProcessing,
	}, nil
}

// resolveItems returns the run's item ids. In scan mode it takes the domain
// lease, applies a requested reset and pages the source from the cursor.
func (o *Orchestrator) resolveItems(ctx context.Context, r *run, entry domainEntry, req RunRequest) ([]string, error) {
	if r.mode == ModeManual {
		ids := make([]string, len(req.ItemIDs))
		copy(ids, req.ItemIDs)
		return ids, nil
	}

	acquired, err := o.locker.Acquire(ctx, r.domain, r.key, o.config.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", r.domain, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, r.domain)
	}
	r.leaseHeld = true

	// A requested reset is persisted only once the fetch succeeded
	offset := 0
	if !req.ResetCursor {
		offset, err = o.cursors.Get(ctx, r.domain)
		if err != nil {
			return nil, fmt.Errorf("read cursor for %s: %w", r.domain, err)
		}
	}
	r.startOffset = offset

	pageSize := entry.opts.PageSize
	if pageSize <= 0 {
		pageSize = o.config.pageSize()
	}

	ids, err := entry.adapter.FetchUnsynchronized(ctx, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch unsynchronized %s at offset %d: %w", r.domain, offset, err)
	}

	if req.ResetCursor {
		if err := o.cursors.Set(ctx, r.domain, 0); err != nil {
			return nil, fmt.Errorf("reset cursor for %s: %w", r.domain, err)
		}
		o.observer.CursorMoved(r.domain, 0)
		o.logger.Info("cursor reset", "domain", r.domain)
	}

	return ids, nil
}

// completeEmpty handles the zero-candidate terminal state. A scan that
// resumed from a non-zero offset and found nothing resets the cursor so the
// next scan starts over and picks up newly created records.
func (o *Orchestrator) completeEmpty(ctx context.Context, r *run, job *Job, state *StartingState) (*StartResult, error) {
	if r.mode == ModeScan {
		next := r.startOffset
		if r.startOffset > 0 {
			if err := o.cursors.Set(ctx, r.domain, 0); err != nil {
				err = fmt.Errorf("reset cursor for %s: %w", r.domain, err)
				o.failStart(r, err)
				return nil, err
			}
			next = 0
			o.observer.CursorMoved(r.domain, 0)
			o.logger.Info("domain caught up, cursor reset",
				"domain", r.domain,
				"previous_offset", r.startOffset)
		}
		job.NewOffset = &next
	}

	zero := time.Duration(0)
	ended := r.startedAt
	job.Status = StatusCompleted
	job.EndedAt = &ended
	job.Duration = &zero

	if err := o.ledger.Create(ctx, job); err != nil {
		// The run did nothing; a missing ledger entry only affects inspection
		o.logger.Warn("failed to record empty run",
			"domain", r.domain,
			"run_id", r.id,
			"error", err)
	}

	r.status = StatusCompleted
	o.transitionTo(r, state.ToCompleted())
	o.finish(r)
	o.observer.RunStarted(r.domain, r.mode, 0, 0)
	o.observer.RunFinished(r.domain, StatusCompleted, Totals{}, 0)

	return &StartResult{
		RunID:  r.id,
		Domain: r.domain,
		Mode:   r.mode.String(),
		Status: StatusCompleted,
	}, nil
}

// execute fans the batches out to the worker pool, waits for all of them and
// then aggregates
func (o *Orchestrator) execute(ctx context.Context, r *run, adapter Adapter, batches []Batch) {
	defer o.wg.Done()
	defer o.finish(r)

	results := make([]BatchResult, len(batches))

	var g errgroup.Group
	if o.config.MaxConcurrentBatches > 0 {
		g.SetLimit(o.config.MaxConcurrentBatches)
	}

	for i, batch := range batches {
		g.Go(func() error {
			started := o.now()
			w := newWorker(r.domain, r.id, adapter, r.checkSynced, o.config.MaxErrorsPerBatch, o.logger)
			res := w.process(ctx, batch)
			results[i] = res

			// Progress is visible before the whole run completes
			if err := o.ledger.AddProgress(ctx, r.id, res.Synced, res.Failed, res.Skipped); err != nil {
				o.logger.Warn("failed to record batch progress",
					"domain", r.domain,
					"run_id", r.id,
					"batch", batch.Number,
					"error", err)
			}

			o.observer.BatchCompleted(r.domain, res, o.now().Sub(started))
			o.logger.Info("batch completed",
				"domain", r.domain,
				"run_id", r.id,
				"batch", batch.Number,
				"total_batches", batch.Total,
				"synced", res.Synced,
				"failed", res.Failed,
				"skipped", res.Skipped)
			return nil
		})
	}

	// Barrier: every batch has produced its result
	_ = g.Wait()

	o.transitionTo(r, r.state.(*DispatchedState).ToAggregating())
	o.aggregateRun(ctx, r, results)
}

// failStart records a start-up failure
func (o *Orchestrator) failStart(r *run, err error) {
	o.logger.Error("run failed to start",
		"domain", r.domain,
		"mode", r.mode.String(),
		"error", err)

	r.status = StatusFailed
	o.transitionTo(r, r.state.(*StartingState).ToFailedToStart())
	o.releaseLease(r)
}

// finish releases the run's resources and notifies listeners. Waiters are
// released last so they observe the hook's effects.
func (o *Orchestrator) finish(r *run) {
	o.releaseLease(r)

	if o.onComplete != nil {
		o.onComplete(Completion{
			RunID:  r.id,
			Domain: r.domain,
			Mode:   r.mode,
			Status: r.status,
		})
	}

	o.mu.Lock()
	delete(o.active, r.id)
	o.mu.Unlock()

	close(r.done)
}

func (o *Orchestrator) releaseLease(r *run) {
	if !r.leaseHeld {
		return
	}
	r.leaseHeld = false

	if err := o.locker.Release(context.Background(), r.domain, r.key); err != nil {
		o.logger.Warn("failed to release domain lease",
			"domain", r.domain,
			"run_id", r.id,
			"error", err)
	}
}

// RunStatus returns best-effort progress for a run, including runs still processing
func (o *Orchestrator) RunStatus(ctx context.Context, runID string) (*Job, error) {
	job, err := o.ledger.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Wait blocks until the run has finished or ctx is done. Runs that are not
// in flight return immediately.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.RLock()
	r, ok := o.active[runID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether a run of domain is currently dispatched
func (o *Orchestrator) InFlight(domain string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.active {
		if r.domain == domain {
			return true
		}
	}
	return false
}

// Active reports whether runID is still executing
func (o *Orchestrator) Active(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.active[runID]
	return ok
}

// Cursor returns the stored offset of a domain
func (o *Orchestrator) Cursor(ctx context.Context, domain string) (int, error) {
	if _, err := o.lookup(domain); err != nil {
		return 0, err
	}
	return o.cursors.Get(ctx, domain)
}

// ResetCursor is the operator action that restarts a domain's scan from 0.
// It fails with ErrRunInProgress while a scan holds the domain lease.
func (o *Orchestrator) ResetCursor(ctx context.Context, domain string) error {
	if _, err := o.lookup(domain); err != nil {
		return err
	}

	holder := "reset-" + uuid.NewString()
	acquired, err := o.locker.Acquire(ctx, domain, holder, o.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease for %s: %w", domain, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrRunInProgress, domain)
	}
	defer func() {
		if err := o.locker.Release(context.Background(), domain, holder); err != nil {
			o.logger.Warn("failed to release domain lease", "domain", domain, "error", err)
		}
	}()

	if err := o.cursors.Set(ctx, domain, 0); err != nil {
		return fmt.Errorf("reset cursor for %s: %w", domain, err)
	}
	o.observer.CursorMoved(domain, 0)
	o.logger.Info("cursor reset by operator", "domain", domain)
	return nil
}

// Shutdown waits for in-flight runs, aggregation included
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

func (o *Orchestrator) lookup(domain string) (domainEntry, error) {
	o.mu.RLock()
	entry, ok := o.domains[domain]
	o.mu.RUnlock()
	if !ok {
		return domainEntry{}, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	return entry, nil
}

func (o *Orchestrator) batchSize(req RunRequest, entry domainEntry) int {
	if req.BatchSize > 0 {
		return req.BatchSize
	}
	if entry.opts.BatchSize > 0 {
		return entry.opts.BatchSize
	}
	return o.config.BatchSize
}

// transitionTo performs a state transition and logs it
func (o *Orchestrator) transitionTo(r *run, newState State) {
	oldStateName := r.state.Name()
	r.state = newState

	// Record state for testing if recorder is present
	if o.recorder != nil {
		o.recorder.Record(r.domain, newState)
	}

	o.logger.Debug("state transition",
		"from", oldStateName,
		"to", newState.Name(),
		"domain", r.domain,
		"run_id", r.id)
}

// validateRequest rejects unsupported request combinations
func validateRequest(req RunRequest, mode Mode) error {
	if req.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must not be negative", ErrInvalidRequest)
	}

	if mode == ModeScan && !req.FilterUnsynced {
		return fmt.Errorf("%w: scan mode requires filter_unsynced; pass explicit item ids to sync regardless of state", ErrInvalidRequest)
	}

	if mode == ModeManual && req.ResetCursor {
		return fmt.Errorf("%w: reset_cursor only applies to scan mode", ErrInvalidRequest)
	}

	return nil
}

// IsStartError reports whether err was returned because a run could not start
// for a reason the caller controls
func IsStartError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownDomain) ||
		errors.Is(err, ErrRunInProgress)
}
