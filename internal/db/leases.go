package db

import (
	"context"
	"fmt"
	"time"
)

// Locker implements the per-domain scan lease on the leases table
type Locker struct {
	db  *DB
	now func() time.Time
}

func NewLocker(db *DB, clock func() time.Time) *Locker {
	if clock == nil {
		clock = time.Now
	}
	return &Locker{db: db, now: clock}
}

// Acquire takes the lease when it is free, expired or already held by holder
func (l *Locker) Acquire(ctx context.Context, domain, holder string, ttl time.Duration) (bool, error) {
	now := l.now()

	query := `
		INSERT INTO leases (domain, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE
		SET holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder
	`

	result, err := l.db.ExecContext(ctx, query, domain, holder, nanos(now), nanos(now.Add(ttl)), nanos(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", domain, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Release frees the lease if holder still owns it
func (l *Locker) Release(ctx context.Context, domain, holder string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE domain = ? AND holder = ?`, domain, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", domain, err)
	}
	return nil
}

// Holder returns the current live holder of domain's lease, "" if free
func (l *Locker) Holder(ctx context.Context, domain string) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx,
		`SELECT holder FROM leases WHERE domain = ? AND expires_at > ?`,
		domain, nanos(l.now())).Scan(&holder)
	if IsNotFound(err) {
		return "", nil
	}
	return holder, err
}
