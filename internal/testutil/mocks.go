package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FakeAdapter is an in-memory item source and sync target for testing.
// Items are returned in insertion order; outcomes are scripted per id.
type FakeAdapter struct {
	mu          sync.Mutex
	items       []string
	failures    map[string]error
	synced      map[string]bool
	pushed      []string
	fetchErr    error
	readyErr    error
	syncedErr   error
	syncDelay   time.Duration
	fetchCalls  int
	lastLimit   int
	lastOffset  int
	markOnSync  bool
	panicOnItem string
	holds       map[string]chan struct{}
}

func NewFakeAdapter(items ...string) *FakeAdapter {
	return &FakeAdapter{
		items:    items,
		failures: make(map[string]error),
		synced:   make(map[string]bool),
	}
}

// FailItem makes SyncOne return err for id
func (f *FakeAdapter) FailItem(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

// MarkSynced makes IsAlreadySynced report true for id
func (f *FakeAdapter) MarkSynced(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[id] = true
}

// MarkOnSync records every successfully pushed item as synced
func (f *FakeAdapter) MarkOnSync(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markOnSync = enabled
}

func (f *FakeAdapter) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *FakeAdapter) SetReadyError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyErr = err
}

func (f *FakeAdapter) SetSyncedCheckError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncedErr = err
}

func (f *FakeAdapter) SetSyncDelay(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncDelay = delay
}

// Hold blocks SyncOne for id until release is called
func (f *FakeAdapter) Hold(id string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holds == nil {
		f.holds = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	f.holds[id] = ch

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *FakeAdapter) PanicOn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicOnItem = id
}

func (f *FakeAdapter) FetchUnsynchronized(_ context.Context, limit, offset int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls++
	f.lastLimit = limit
	f.lastOffset = offset

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if offset >= len(f.items) {
		return []string{}, nil
	}

	end := offset + limit
	if end > len(f.items) {
		end = len(f.items)
	}
	out := make([]string, end-offset)
	copy(out, f.items[offset:end])
	return out, nil
}

func (f *FakeAdapter) SyncOne(ctx context.Context, id string) error {
	f.mu.Lock()
	delay := f.syncDelay
	panicOn := f.panicOnItem
	hold := f.holds[id]
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if panicOn != "" && id == panicOn {
		panic(fmt.Sprintf("fake adapter panic on %s", id))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failures[id]; ok {
		return err
	}
	f.pushed = append(f.pushed, id)
	if f.markOnSync {
		f.synced[id] = true
	}
	return nil
}

func (f *FakeAdapter) IsAlreadySynced(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncedErr != nil {
		return false, f.syncedErr
	}
	return f.synced[id], nil
}

func (f *FakeAdapter) Ready(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

// Pushed returns the ids SyncOne accepted, in call order
func (f *FakeAdapter) Pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]string, len(f.pushed))
	copy(result, f.pushed)
	return result
}

// LastFetch returns the limit and offset of the most recent fetch
func (f *FakeAdapter) LastFetch() (limit, offset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit, f.lastOffset
}

func (f *FakeAdapter) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) HasError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "ERROR" {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "WARN" {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	groups []string
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	msg := r.Message

	// Collect all attributes
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(level, msg, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *testLogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &testLogHandler{
		logger: h.logger,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				t.Errorf("timeout waiting for condition: %v", msgAndArgs)
				return false
			}
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
