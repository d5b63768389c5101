package batchsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCursorStore is a process-local CursorStore
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]int
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int)}
}

func (s *MemoryCursorStore) Get(_ context.Context, domain string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[domain], nil
}

func (s *MemoryCursorStore) Set(_ context.Context, domain string, value int) error {
	if value < 0 {
		return fmt.Errorf("cursor for %s must not be negative, got %d", domain, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[domain] = value
	return nil
}

// MemoryLedger is a process-local JobLedger. Entries expire at Job.ExpiresAt.
type MemoryLedger struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryLedger(clock func() time.Time) *MemoryLedger {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLedger{
		jobs: make(map[string]*Job),
		now:  clock,
	}
}

func (l *MemoryLedger) Create(_ context.Context, job *Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.jobs[job.ID]; ok && l.now().Before(existing.ExpiresAt) {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	l.jobs[job.ID] = copyJob(job)
	return nil
}

func (l *MemoryLedger) AddProgress(_ context.Context, jobID string, synced, failed, skipped int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, err := l.live(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	job.Synced += synced
	job.Failed += failed
	job.Skipped += skipped
	return nil
}

func (l *MemoryLedger) Finalize(_ context.Context, jobID string, fin Finalization) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, err := l.live(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunFinalized, jobID)
	}

	ended := fin.EndedAt
	duration := fin.Duration

	job.Status = fin.Status
	job.Synced = fin.Synced
	job.Failed = fin.Failed
	job.Skipped = fin.Skipped
	job.NewOffset = copyOffset(fin.NewOffset)
	job.EndedAt = &ended
	job.Duration = &duration
	job.Errors = append([]ItemError(nil), fin.Errors...)
	job.Error = fin.Error
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, jobID string) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, err := l.live(jobID)
	if err != nil {
		return nil, err
	}
	return copyJob(job), nil
}

// Purge drops expired entries and returns how many were removed
func (l *MemoryLedger) Purge(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, job := range l.jobs {
		if !now.Before(job.ExpiresAt) {
			delete(l.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// live must be called with l.mu held
func (l *MemoryLedger) live(jobID string) (*Job, error) {
	job, ok := l.jobs[jobID]
	if !ok || !l.now().Before(job.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, jobID)
	}
	return job, nil
}

func copyJob(job *Job) *Job {
	cp := *job
	cp.NewOffset = copyOffset(job.NewOffset)
	if job.EndedAt != nil {
		ended := *job.EndedAt
		cp.EndedAt = &ended
	}
	if job.Duration != nil {
		d := *job.Duration
		cp.Duration = &d
	}
	cp.Errors = append([]ItemError(nil), job.Errors...)
	return &cp
}

func copyOffset(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

func NewMemoryLocker(clock func() time.Time) *MemoryLocker {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    clock,
	}
}

func (m *MemoryLocker) Acquire(_ context.Context, domain, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if lease, ok := m.leases[domain]; ok && lease.holder != holder && now.Before(lease.expiresAt) {
		return false, nil
	}

	m.leases[domain] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, domain, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[domain]; ok && lease.holder == holder {
		delete(m.leases, domain)
	}
	return nil
}
