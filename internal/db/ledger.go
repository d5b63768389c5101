package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
)

// Ledger is the SQL-backed job ledger. Rows past expires_at are invisible
// and removed by Purge.
type Ledger struct {
	db  *DB
	now func() time.Time
}

func NewLedger(db *DB, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{db: db, now: clock}
}

const jobColumns = `id, domain, mode, status, total_items, total_batches, synced, failed, skipped,
	current_offset, new_offset, started_at, ended_at, duration_ns, errors, error, expires_at`

// Create inserts a new ledger entry
func (l *Ledger) Create(ctx context.Context, job *batchsync.Job) error {
	errorsJSON, err := encodeErrors(job.Errors)
	if err != nil {
		return err
	}

	var endedAt, duration sql.NullInt64
	if job.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: nanos(*job.EndedAt), Valid: true}
	}
	if job.Duration != nil {
		duration = sql.NullInt64{Int64: int64(*job.Duration), Valid: true}
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = l.db.ExecContext(ctx, query,
		job.ID,
		job.Domain,
		job.Mode.String(),
		string(job.Status),
		job.TotalItems,
		job.TotalBatches,
		job.Synced,
		job.Failed,
		job.Skipped,
		job.CurrentOffset,
		nullOffset(job.NewOffset),
		nanos(job.StartedAt),
		endedAt,
		duration,
		errorsJSON,
		nullString(job.Error),
		nanos(job.ExpiresAt),
	)
	if IsDuplicate(err) {
		return fmt.Errorf("%w: job %s", ErrDuplicate, job.ID)
	}
	return err
}

// AddProgress increments the counters of a processing entry in one statement
func (l *Ledger) AddProgress(ctx context.Context, jobID string, synced, failed, skipped int) error {
	query := `
		UPDATE jobs
		SET synced = synced + ?, failed = failed + ?, skipped = skipped + ?
		WHERE id = ? AND status = 'processing' AND expires_at > ?
	`

	result, err := l.db.ExecContext(ctx, query, synced, failed, skipped, jobID, nanos(l.now()))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		if _, err := l.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s is no longer processing", jobID)
	}

	return nil
}

// Finalize applies the terminal update. Entries that are already completed
// or failed are left untouched.
func (l *Ledger) Finalize(ctx context.Context, jobID string, fin batchsync.Finalization) error {
	errorsJSON, err := encodeErrors(fin.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = ?, synced = ?, failed = ?, skipped = ?, new_offset = ?,
			ended_at = ?, duration_ns = ?, errors = ?, error = ?
		WHERE id = ? AND status = 'processing' AND expires_at > ?
	`

	result, err := l.db.ExecContext(ctx, query,
		string(fin.Status),
		fin.Synced,
		fin.Failed,
		fin.Skipped,
		nullOffset(fin.NewOffset),
		nanos(fin.EndedAt),
		int64(fin.Duration),
		errorsJSON,
		nullString(fin.Error),
		jobID,
		nanos(l.now()),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		if _, err := l.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", batchsync.ErrRunFinalized, jobID)
	}

	return nil
}

// Get returns a live ledger entry
func (l *Ledger) Get(ctx context.Context, jobID string) (*batchsync.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND expires_at > ?`

	job, err := scanJob(l.db.QueryRowContext(ctx, query, jobID, nanos(l.now())))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", batchsync.ErrRunNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Recent returns the newest live entries, optionally for one domain
func (l *Ledger) Recent(ctx context.Context, domain string, limit int) ([]batchsync.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE expires_at > ? AND (? = '' OR domain = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := l.db.QueryContext(ctx, query, nanos(l.now()), domain, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []batchsync.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// Purge deletes expired entries and returns how many were removed
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at <= ?`, nanos(l.now()))
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*batchsync.Job, error) {
	var (
		job        batchsync.Job
		mode       string
		status     string
		newOffset  sql.NullInt64
		startedAt  int64
		endedAt    sql.NullInt64
		duration   sql.NullInt64
		errorsJSON sql.NullString
		errMsg     sql.NullString
		expiresAt  int64
	)

	err := row.Scan(
		&job.ID,
		&job.Domain,
		&mode,
		&status,
		&job.TotalItems,
		&job.TotalBatches,
		&job.Synced,
		&job.Failed,
		&job.Skipped,
		&job.CurrentOffset,
		&newOffset,
		&startedAt,
		&endedAt,
		&duration,
		&errorsJSON,
		&errMsg,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.Mode = batchsync.ModeScan
	if mode == batchsync.ModeManual.String() {
		job.Mode = batchsync.ModeManual
	}
	job.Status = batchsync.Status(status)
	job.StartedAt = fromNanos(startedAt)
	job.ExpiresAt = fromNanos(expiresAt)
	job.Error = errMsg.String

	if newOffset.Valid {
		v := int(newOffset.Int64)
		job.NewOffset = &v
	}
	if endedAt.Valid {
		t := fromNanos(endedAt.Int64)
		job.EndedAt = &t
	}
	if duration.Valid {
		d := time.Duration(duration.Int64)
		job.Duration = &d
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &job.Errors); err != nil {
			return nil, fmt.Errorf("decode errors of job %s: %w", job.ID, err)
		}
	}

	return &job, nil
}

func encodeErrors(errs []batchsync.ItemError) (sql.NullString, error) {
	if len(errs) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode item errors: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullOffset(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
