package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/testutil"
)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeTrigger struct {
	mu       sync.Mutex
	calls    []string
	err      error
	status   batchsync.Status
	seq      int
	finished map[string]bool
}

func (f *fakeTrigger) Active(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.finished[runID]
}

// Finish marks runID as no longer executing
func (f *fakeTrigger) Finish(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = make(map[string]bool)
	}
	f.finished[runID] = true
}

func (f *fakeTrigger) Trigger(_ context.Context, domain string) (*batchsync.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, domain)
	if f.err != nil {
		return nil, f.err
	}

	f.seq++
	status := f.status
	if status == "" {
		status = batchsync.StatusProcessing
	}
	return &batchsync.StartResult{
		RunID:  fmt.Sprintf("%s-run-%d", domain, f.seq),
		Domain: domain,
		Mode:   "scan",
		Status: status,
	}, nil
}

func (f *fakeTrigger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTrigger) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePurger struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
}

func (p *fakePurger) Purge(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.n, p.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) Triggered(domain, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, domain+":"+outcome)
}

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoopInterval = 10 * time.Millisecond
	cfg.InboxSendTimeout = 100 * time.Millisecond
	cfg.TriggerTimeout = time.Second
	return cfg
}

type harness struct {
	sched    *Scheduler
	clock    *testutil.MockClock
	trigger  *fakeTrigger
	purger   *fakePurger
	observer *recordingObserver
	logs     *testutil.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    testutil.NewMockClock(testStart),
		trigger:  &fakeTrigger{},
		purger:   &fakePurger{},
		observer: &recordingObserver{},
		logs:     testutil.NewTestLogger(),
	}

	sched, err := New(testConfig(), Deps{
		Trigger:  h.trigger,
		Purger:   h.purger,
		Observer: h.observer,
		Clock:    h.clock.Now,
	}, h.logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	h.sched = sched
	return h
}

// =============================================================================
// Initialization Tests
// =============================================================================

func TestNew_RequiresTrigger(t *testing.T) {
	_, err := New(testConfig(), Deps{}, testutil.NewTestLogger().Logger())
	if err == nil {
		t.Fatal("expected error without trigger")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero loop interval", func(c *Config) { c.LoopInterval = 0 }},
		{"zero inbox buffer", func(c *Config) { c.InboxBufferSize = 0 }},
		{"zero send timeout", func(c *Config) { c.InboxSendTimeout = 0 }},
		{"zero trigger timeout", func(c *Config) { c.TriggerTimeout = 0 }},
		{"negative purge interval", func(c *Config) { c.PurgeInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			if _, err := New(cfg, Deps{Trigger: &fakeTrigger{}}, testutil.NewTestLogger().Logger()); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestAdd_RejectsBadSchedule(t *testing.T) {
	h := newHarness(t)

	if err := h.sched.Add("payment_sync", "not a schedule"); err == nil {
		t.Fatal("expected parse error")
	}
	if err := h.sched.Add("payment_sync", "*/5 * * * *"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// =============================================================================
// Firing Tests
// =============================================================================

func TestIteration_FiresDueDomain(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Add("payment_sync", "@every 1m"); err != nil {
		t.Fatal(err)
	}

	h.sched.iteration()
	if got := len(h.trigger.Calls()); got != 0 {
		t.Fatalf("expected no trigger before due, got %d", got)
	}

	h.clock.Advance(time.Minute)
	h.sched.iteration()

	calls := h.trigger.Calls()
	if len(calls) != 1 || calls[0] != "payment_sync" {
		t.Fatalf("expected one trigger of payment_sync, got %v", calls)
	}

	e := h.sched.entries["payment_sync"]
	if e.inFlight != "payment_sync-run-1" {
		t.Errorf("expected in-flight run id, got %q", e.inFlight)
	}
	if want := testStart.Add(2 * time.Minute); !e.next.Equal(want) {
		t.Errorf("expected next run at %v, got %v", want, e.next)
	}
}

func TestIteration_SkipsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 1 {
		t.Fatalf("expected single trigger while in flight, got %d", got)
	}
	if h.sched.stats.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", h.sched.stats.Skipped)
	}

	// Completion of the in-flight run re-enables the domain
	h.sched.RunCompleted(batchsync.Completion{
		RunID:  "payment_sync-run-1",
		Domain: "payment_sync",
		Status: batchsync.StatusCompleted,
	})
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 2 {
		t.Fatalf("expected second trigger after completion, got %d", got)
	}
}

func TestIteration_ClearsInFlightWhenCompletionDropped(t *testing.T) {
	cfg := testConfig()
	cfg.InboxBufferSize = 1
	cfg.InboxSendTimeout = time.Millisecond

	clock := testutil.NewMockClock(testStart)
	trigger := &fakeTrigger{}
	sched, err := New(cfg, Deps{Trigger: trigger, Clock: clock.Now}, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatal(err)
	}
	sched.Add("payment_sync", "@every 1m")

	clock.Advance(time.Minute)
	sched.iteration()
	if got := sched.entries["payment_sync"].inFlight; got != "payment_sync-run-1" {
		t.Fatalf("expected run in flight, got %q", got)
	}

	// The inbox is full, so the completion notice is lost
	if !sched.TriggerNow("student_sync") {
		t.Fatal("expected first send to fit the buffer")
	}
	trigger.Finish("payment_sync-run-1")
	sched.RunCompleted(batchsync.Completion{
		RunID:  "payment_sync-run-1",
		Domain: "payment_sync",
		Status: batchsync.StatusCompleted,
	})
	if sched.inbox.GetStats().TimeoutCount != 1 {
		t.Fatalf("expected completion to be dropped, got %+v", sched.inbox.GetStats())
	}

	clock.Advance(time.Minute)
	sched.iteration()

	if got := len(trigger.Calls()); got != 2 {
		t.Fatalf("expected domain to fire again, got %d triggers", got)
	}
	if got := sched.entries["payment_sync"].inFlight; got != "payment_sync-run-2" {
		t.Errorf("expected new run in flight, got %q", got)
	}
	if sched.stats.Skipped != 0 {
		t.Errorf("expected no skips, got %d", sched.stats.Skipped)
	}
}

func TestRunCompleted_IgnoresOtherRuns(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()

	// A manual run finishing on the same domain does not clear single-flight
	h.sched.RunCompleted(batchsync.Completion{
		RunID:  "manual-run",
		Domain: "payment_sync",
		Status: batchsync.StatusCompleted,
	})
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 1 {
		t.Errorf("expected trigger to stay blocked, got %d calls", got)
	}
}

func TestIteration_TerminalStartDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.trigger.status = batchsync.StatusCompleted
	h.sched.Add("student_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 2 {
		t.Errorf("expected empty runs not to block the domain, got %d calls", got)
	}
}

func TestIteration_BusyDomainCountsAsSkipped(t *testing.T) {
	h := newHarness(t)
	h.trigger.SetError(fmt.Errorf("start: %w", batchsync.ErrRunInProgress))
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if h.sched.stats.Skipped != 1 || h.sched.stats.Failed != 0 {
		t.Errorf("expected busy skip, got %+v", h.sched.stats)
	}
	if h.sched.entries["payment_sync"].inFlight != "" {
		t.Error("busy domain must not be marked in flight")
	}
	if h.logs.HasError() {
		t.Error("busy domain must not be logged as an error")
	}
}

func TestIteration_TriggerFailure(t *testing.T) {
	h := newHarness(t)
	h.trigger.SetError(errors.New("source unavailable"))
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if h.sched.stats.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", h.sched.stats.Failed)
	}
	if !h.logs.HasError() {
		t.Error("expected error log")
	}

	// The next activation is still scheduled
	h.trigger.SetError(nil)
	h.clock.Advance(time.Minute)
	h.sched.iteration()
	if h.sched.stats.Triggered != 1 {
		t.Errorf("expected recovery on next activation, got %+v", h.sched.stats)
	}
}

func TestIteration_LateLoopFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(10 * time.Minute)
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 1 {
		t.Errorf("expected missed activations to collapse into one, got %d", got)
	}
}

func TestObserver_ReceivesOutcomes(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	want := []string{"payment_sync:" + OutcomeStarted, "payment_sync:" + OutcomeInFlight}
	if fmt.Sprint(h.observer.outcomes) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, h.observer.outcomes)
	}
}

// =============================================================================
// Message Tests
// =============================================================================

func TestTriggerNow_FiresImmediately(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@daily")

	if !h.sched.TriggerNow("payment_sync") {
		t.Fatal("expected send to succeed")
	}
	h.sched.iteration()

	if got := len(h.trigger.Calls()); got != 1 {
		t.Fatalf("expected immediate trigger, got %d", got)
	}
}

func TestTriggerNow_UnknownDomain(t *testing.T) {
	h := newHarness(t)

	h.sched.TriggerNow("unknown")
	h.sched.iteration()

	if len(h.trigger.Calls()) != 0 {
		t.Error("expected no trigger for unscheduled domain")
	}
	if !h.logs.HasWarning() {
		t.Error("expected warning for unscheduled domain")
	}
}

func TestReschedule_ReplacesTable(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")
	h.sched.Add("student_sync", "@every 1m")

	h.clock.Advance(time.Minute)
	h.sched.iteration()

	err := h.sched.Reschedule(map[string]string{
		"payment_sync":   "@every 1m",
		"applicant_sync":  "@every 5m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.iteration()

	if _, ok := h.sched.entries["student_sync"]; ok {
		t.Error("expected student_sync to be unscheduled")
	}
	if _, ok := h.sched.entries["applicant_sync"]; !ok {
		t.Error("expected applicant_sync to be scheduled")
	}
	if h.sched.entries["payment_sync"].inFlight == "" {
		t.Error("expected in-flight state to survive an unchanged schedule")
	}
}

func TestReschedule_InvalidSpecRejected(t *testing.T) {
	h := newHarness(t)

	err := h.sched.Reschedule(map[string]string{"payment_sync": "@sometimes"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if h.sched.inbox.Len() != 0 {
		t.Error("invalid table must not reach the main loop")
	}
}

// =============================================================================
// Purge Tests
// =============================================================================

func TestPurge_RespectsInterval(t *testing.T) {
	h := newHarness(t)
	h.purger.n = 3

	h.sched.iteration()
	h.clock.Advance(time.Minute)
	h.sched.iteration()

	if h.purger.calls != 1 {
		t.Fatalf("expected one purge within interval, got %d", h.purger.calls)
	}

	h.clock.Advance(time.Hour)
	h.sched.iteration()

	if h.purger.calls != 2 {
		t.Errorf("expected second purge after interval, got %d", h.purger.calls)
	}
	if h.sched.stats.Purged != 6 {
		t.Errorf("expected 6 purged, got %d", h.sched.stats.Purged)
	}
}

func TestPurge_FailureIsWarning(t *testing.T) {
	h := newHarness(t)
	h.purger.err = errors.New("database is locked")

	h.sched.iteration()

	if !h.logs.HasWarning() {
		t.Error("expected warning on purge failure")
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStartShutdown_StatusRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.sched.Add("payment_sync", "@every 1m")
	h.sched.Start()
	defer h.sched.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := h.sched.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if len(status.Entries) != 1 || status.Entries[0].Domain != "payment_sync" {
		t.Fatalf("unexpected entries: %+v", status.Entries)
	}
	if status.Entries[0].Schedule != "@every 1m0s" {
		t.Errorf("unexpected schedule string %q", status.Entries[0].Schedule)
	}

	if err := h.sched.Add("student_sync", "@every 1m"); err == nil {
		t.Error("expected Add after Start to fail")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.sched.Start()

	h.sched.Shutdown()
	h.sched.Shutdown()
}

func TestShutdown_WithoutStart(t *testing.T) {
	h := newHarness(t)
	h.sched.Shutdown()
}
