package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/cron"
	"github.com/livinlefevreloca/ledgersync/internal/inbox"
)

// Trigger starts a scan-mode run for a domain. Active reports whether a run
// it started is still executing.
type Trigger interface {
	Trigger(ctx context.Context, domain string) (*batchsync.StartResult, error)
	Active(runID string) bool
}

// Purger drops expired ledger entries
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Observer receives trigger outcomes (metrics)
type Observer interface {
	Triggered(domain, outcome string)
}

// Trigger outcomes reported to the Observer
const (
	OutcomeStarted  = "started"
	OutcomeInFlight = "skipped_in_flight"
	OutcomeBusy     = "skipped_busy"
	OutcomeFailed   = "failed"
)

// Deps are the scheduler's collaborators. Purger, Observer and Clock are optional.
type Deps struct {
	Trigger  Trigger
	Purger   Purger
	Observer Observer
	Clock    func() time.Time
}

// entry is the schedule state of one domain, owned by the main loop
type entry struct {
	domain    string
	schedule  cron.Schedule
	next      time.Time
	inFlight  string // run id of the scheduled run still executing
	lastFired time.Time
	lastRunID string
}

// Scheduler fires each domain's scan on its schedule. It never fires a
// domain whose previous scheduled run has not completed.
type Scheduler struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Dependencies
	trigger  Trigger
	purger   Purger
	observer Observer
	now      func() time.Time

	// State (accessed only by main loop)
	entries   map[string]*entry
	lastPurge time.Time
	stats     Stats

	// Communication
	inbox *inbox.Inbox[InboxMessage]

	// Control
	started      bool
	shutdown     chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
}

// New creates a scheduler with validated configuration
func New(config Config, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if deps.Trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Scheduler{
		config:   config,
		logger:   logger,
		trigger:  deps.Trigger,
		purger:   deps.Purger,
		observer: deps.Observer,
		now:      clock,
		entries:  make(map[string]*entry),
		inbox:    inbox.New[InboxMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Add registers a domain schedule. It must be called before Start;
// afterwards use Reschedule.
func (s *Scheduler) Add(domain, spec string) error {
	if s.started {
		return fmt.Errorf("scheduler already started, use Reschedule")
	}

	schedule, err := cron.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule for %s: %w", domain, err)
	}

	s.entries[domain] = &entry{
		domain:   domain,
		schedule: schedule,
		next:     schedule.Next(s.now()),
	}
	return nil
}

// Start launches the main loop
func (s *Scheduler) Start() {
	s.started = true
	s.logger.Info("starting scheduler", "domains", len(s.entries))
	go s.run()
}

// Shutdown stops the main loop and waits for it to exit. Runs already
// dispatched are not affected.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
	if s.started {
		<-s.done
	}
}

// RunCompleted forwards a completion notice to the main loop. Install it as
// the orchestrator's completion hook.
func (s *Scheduler) RunCompleted(c batchsync.Completion) {
	s.inbox.Send(InboxMessage{Type: MsgRunCompleted, Data: RunCompletedMsg(c)})
}

// TriggerNow fires domain on the next iteration, subject to single-flight
func (s *Scheduler) TriggerNow(domain string) bool {
	return s.inbox.Send(InboxMessage{Type: MsgTriggerNow, Data: TriggerNowMsg{Domain: domain}})
}

// Reschedule replaces the schedule table. Specs are validated before
// anything is sent to the main loop.
func (s *Scheduler) Reschedule(specs map[string]string) error {
	schedules := make(map[string]cron.Schedule, len(specs))
	for domain, spec := range specs {
		schedule, err := cron.Parse(spec)
		if err != nil {
			return fmt.Errorf("schedule for %s: %w", domain, err)
		}
		schedules[domain] = schedule
	}

	if !s.inbox.Send(InboxMessage{Type: MsgReschedule, Data: RescheduleMsg{Schedules: schedules}}) {
		return fmt.Errorf("scheduler inbox full")
	}
	return nil
}

// Status returns the per-domain schedule state
func (s *Scheduler) Status(ctx context.Context) (*StatusResponse, error) {
	resp := make(chan interface{}, 1)
	if !s.inbox.Send(InboxMessage{Type: MsgGetStatus, ResponseChan: resp}) {
		return nil, fmt.Errorf("scheduler inbox full")
	}

	select {
	case r := <-resp:
		status := r.(StatusResponse)
		return &status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			s.logger.Info("scheduler stopped")
			return

		case <-ticker.C:
			s.iteration()
		}
	}
}

// iteration performs a single pass of the scheduler loop
func (s *Scheduler) iteration() {
	now := s.now()
	s.stats.Iterations++

	// Step 1: Process ALL inbox messages
	s.inbox.Drain(s.handleMessage)

	// Step 2: Fire due domains
	s.fireDue(now)

	// Step 3: Ledger housekeeping
	s.purgeIfDue(now)
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(msg InboxMessage) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgRunCompleted:
		s.handleRunCompleted(msg.Data.(RunCompletedMsg))
	case MsgTriggerNow:
		data := msg.Data.(TriggerNowMsg)
		e, ok := s.entries[data.Domain]
		if !ok {
			s.logger.Warn("trigger requested for unscheduled domain", "domain", data.Domain)
			return
		}
		s.fire(e, s.now())
	case MsgReschedule:
		s.handleReschedule(msg.Data.(RescheduleMsg))
	case MsgGetStatus:
		if msg.ResponseChan != nil {
			msg.ResponseChan <- s.statusSnapshot()
		}
	case MsgShutdown:
		s.shutdownOnce.Do(func() {
			close(s.shutdown)
		})
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// handleRunCompleted clears single-flight for the domain if the completed
// run is the one the scheduler started
func (s *Scheduler) handleRunCompleted(c RunCompletedMsg) {
	e, ok := s.entries[c.Domain]
	if !ok || e.inFlight != c.RunID {
		return
	}
	e.inFlight = ""

	s.logger.Debug("scheduled run finished",
		"domain", c.Domain,
		"run_id", c.RunID,
		"status", string(c.Status))
}

// handleReschedule swaps the schedule table, keeping in-flight state for
// domains that remain scheduled
func (s *Scheduler) handleReschedule(msg RescheduleMsg) {
	now := s.now()
	next := make(map[string]*entry, len(msg.Schedules))

	for domain, schedule := range msg.Schedules {
		e, ok := s.entries[domain]
		if !ok {
			e = &entry{domain: domain}
		}
		if !ok || e.schedule.String() != schedule.String() {
			e.schedule = schedule
			e.next = schedule.Next(now)
		}
		next[domain] = e
	}

	s.entries = next
	s.logger.Info("schedules reloaded", "domains", len(next))
}

// fireDue triggers every domain whose next activation has passed. A late
// loop fires once, it never replays missed activations.
func (s *Scheduler) fireDue(now time.Time) {
	for _, domain := range s.sortedDomains() {
		e := s.entries[domain]
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *entry, now time.Time) {
	// A completion notice dropped by the inbox must not block the domain forever
	if e.inFlight != "" && !s.trigger.Active(e.inFlight) {
		s.logger.Warn("clearing in-flight run without completion notice",
			"domain", e.domain,
			"run_id", e.inFlight)
		e.inFlight = ""
	}

	if e.inFlight != "" {
		s.stats.Skipped++
		s.report(e.domain, OutcomeInFlight)
		s.logger.Info("skipping trigger, previous run still in flight",
			"domain", e.domain,
			"run_id", e.inFlight)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TriggerTimeout)
	defer cancel()

	res, err := s.trigger.Trigger(ctx, e.domain)
	if err != nil {
		if errors.Is(err, batchsync.ErrRunInProgress) {
			s.stats.Skipped++
			s.report(e.domain, OutcomeBusy)
			s.logger.Info("skipping trigger, domain busy", "domain", e.domain)
			return
		}

		s.stats.Failed++
		s.report(e.domain, OutcomeFailed)
		s.logger.Error("scheduled trigger failed",
			"domain", e.domain,
			"error", err)
		return
	}

	s.stats.Triggered++
	s.report(e.domain, OutcomeStarted)

	e.lastFired = now
	e.lastRunID = res.RunID
	if !res.Status.Terminal() {
		e.inFlight = res.RunID
	}

	s.logger.Info("scheduled run started",
		"domain", e.domain,
		"run_id", res.RunID,
		"items", res.TotalItems,
		"next_run", e.next)
}

func (s *Scheduler) purgeIfDue(now time.Time) {
	if s.purger == nil || s.config.PurgeInterval <= 0 {
		return
	}
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.config.PurgeInterval {
		return
	}
	s.lastPurge = now

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TriggerTimeout)
	defer cancel()

	removed, err := s.purger.Purge(ctx)
	if err != nil {
		s.logger.Warn("ledger purge failed", "error", err)
		return
	}

	s.stats.Purged += int64(removed)
	if removed > 0 {
		s.logger.Info("purged expired ledger entries", "count", removed)
	}
}

func (s *Scheduler) report(domain, outcome string) {
	if s.observer != nil {
		s.observer.Triggered(domain, outcome)
	}
}

func (s *Scheduler) sortedDomains() []string {
	domains := make([]string, 0, len(s.entries))
	for d := range s.entries {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

func (s *Scheduler) statusSnapshot() StatusResponse {
	entries := make([]EntryStatus, 0, len(s.entries))
	for _, d := range s.sortedDomains() {
		e := s.entries[d]
		entries = append(entries, EntryStatus{
			Domain:    e.domain,
			Schedule:  e.schedule.String(),
			NextRun:   e.next,
			LastFired: e.lastFired,
			LastRunID: e.lastRunID,
			InFlight:  e.inFlight != "",
		})
	}
	return StatusResponse{Entries: entries, Stats: s.stats}
}
