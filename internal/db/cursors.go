package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CursorStore persists per-domain scan offsets in the cursors table
type CursorStore struct {
	db  *DB
	now func() time.Time
}

func NewCursorStore(db *DB) *CursorStore {
	return &CursorStore{db: db, now: time.Now}
}

// Get returns the cursor for domain, 0 if it was never written
func (s *CursorStore) Get(ctx context.Context, domain string) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE domain = ?`, domain).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", domain, err)
	}
	return value, nil
}

// Set overwrites the cursor for domain
func (s *CursorStore) Set(ctx context.Context, domain string, value int) error {
	if value < 0 {
		return fmt.Errorf("cursor for %s must not be negative, got %d", domain, value)
	}

	query := `
		INSERT INTO cursors (domain, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, domain, value, nanos(s.now())); err != nil {
		return fmt.Errorf("set cursor %s: %w", domain, err)
	}
	return nil
}

// ErrLeaseHeld is returned by ResetIfFree while a scan holds the domain's lease
var ErrLeaseHeld = errors.New("db: lease held")

// ResetIfFree sets domain's cursor to 0 unless a live lease is held on it.
// The lease check and the write share one transaction.
func (s *CursorStore) ResetIfFree(ctx context.Context, domain string) error {
	now := nanos(s.now())

	return s.db.WithTransaction(ctx, func(tx *Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT holder FROM leases WHERE domain = ? AND expires_at > ?`,
			domain, now).Scan(&holder)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s by %s", ErrLeaseHeld, domain, holder)
		case !IsNotFound(err):
			return fmt.Errorf("read lease %s: %w", domain, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO cursors (domain, value, updated_at)
			VALUES (?, 0, ?)
			ON CONFLICT (domain) DO UPDATE SET value = 0, updated_at = excluded.updated_at
		`, domain, now)
		if err != nil {
			return fmt.Errorf("reset cursor %s: %w", domain, err)
		}
		return nil
	})
}

// CursorRow is one stored cursor
type CursorRow struct {
	Domain    string    `json:"domain"`
	Value     int       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// All returns every stored cursor ordered by domain
func (s *CursorStore) All(ctx context.Context) ([]CursorRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, value, updated_at FROM cursors ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cursors := []CursorRow{}
	for rows.Next() {
		var row CursorRow
		var updated int64
		if err := rows.Scan(&row.Domain, &row.Value, &updated); err != nil {
			return nil, err
		}
		row.UpdatedAt = fromNanos(updated)
		cursors = append(cursors, row)
	}

	return cursors, rows.Err()
}
