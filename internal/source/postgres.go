// Package source reads candidate items from the management information
// system's Postgres database.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts the pgxpool methods the source uses
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Query describes where a domain's records live and how "synchronized" is
// decided. Predicates are SQL boolean expressions over the table's columns.
type Query struct {
	Table           string `toml:"table" validate:"required"`
	IDColumn        string `toml:"id_column"`
	OrderColumn     string `toml:"order_column"`
	SyncedPredicate string `toml:"synced_predicate" validate:"required"`
	SkipPredicate   string `toml:"skip_predicate"`
	MarkSyncedSQL   string `toml:"mark_synced_sql"`
}

func (q Query) withDefaults() Query {
	if q.IDColumn == "" {
		q.IDColumn = "id"
	}
	if q.OrderColumn == "" {
		q.OrderColumn = q.IDColumn
	}
	return q
}

// statements are the SQL texts built once per source
type statements struct {
	fetch   string
	synced  string
	skipped string
}

func buildStatements(q Query) (statements, error) {
	if q.Table == "" {
		return statements{}, fmt.Errorf("table is required")
	}
	if strings.TrimSpace(q.SyncedPredicate) == "" {
		return statements{}, fmt.Errorf("synced predicate is required for table %s", q.Table)
	}

	table := pgx.Identifier(strings.Split(q.Table, ".")).Sanitize()
	id := pgx.Identifier{q.IDColumn}.Sanitize()
	order := pgx.Identifier{q.OrderColumn}.Sanitize()

	st := statements{
		fetch: fmt.Sprintf(
			`SELECT %s::text FROM %s WHERE NOT (%s) ORDER BY %s, %s LIMIT $1 OFFSET $2`,
			id, table, q.SyncedPredicate, order, id),
		synced: fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE %s::text = $1 AND (%s))`,
			table, id, q.SyncedPredicate),
	}

	if strings.TrimSpace(q.SkipPredicate) != "" {
		st.skipped = fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE %s::text = $1 AND (%s))`,
			table, id, q.SkipPredicate)
	}

	return st, nil
}

// PostgresSource is the item source of one domain
type PostgresSource struct {
	db    DBTX
	query Query
	stmts statements
}

// NewPostgresSource validates q and prepares its statements
func NewPostgresSource(db DBTX, q Query) (*PostgresSource, error) {
	q = q.withDefaults()

	stmts, err := buildStatements(q)
	if err != nil {
		return nil, err
	}

	return &PostgresSource{db: db, query: q, stmts: stmts}, nil
}

// FetchUnsynchronized returns up to limit ids of records not matching the
// synced predicate, starting at offset, ordered by the order column
func (s *PostgresSource) FetchUnsynchronized(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.Query(ctx, s.stmts.fetch, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.query.Table, err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", s.query.Table, err)
	}
	return ids, nil
}

// IsAlreadySynced reports whether the record now matches the synced predicate
func (s *PostgresSource) IsAlreadySynced(ctx context.Context, id string) (bool, error) {
	var synced bool
	if err := s.db.QueryRow(ctx, s.stmts.synced, id).Scan(&synced); err != nil {
		return false, fmt.Errorf("synced check %s %s: %w", s.query.Table, id, err)
	}
	return synced, nil
}

// IsExcluded reports whether the record matches the skip predicate. Always
// false when no skip predicate is configured.
func (s *PostgresSource) IsExcluded(ctx context.Context, id string) (bool, error) {
	if s.stmts.skipped == "" {
		return false, nil
	}

	var excluded bool
	if err := s.db.QueryRow(ctx, s.stmts.skipped, id).Scan(&excluded); err != nil {
		return false, fmt.Errorf("skip check %s %s: %w", s.query.Table, id, err)
	}
	return excluded, nil
}

// MarkSynced runs the configured write-back with the record id and the
// external reference as $1 and $2. A no-op when none is configured.
func (s *PostgresSource) MarkSynced(ctx context.Context, id, externalRef string) error {
	if s.query.MarkSyncedSQL == "" {
		return nil
	}

	if _, err := s.db.Exec(ctx, s.query.MarkSyncedSQL, id, externalRef); err != nil {
		return fmt.Errorf("mark synced %s %s: %w", s.query.Table, id, err)
	}
	return nil
}

// Table returns the source table name
func (s *PostgresSource) Table() string {
	return s.query.Table
}

// CreatePool creates and pings a connection pool
func CreatePool(parentCtx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping source database: %w", err)
	}

	return pool, nil
}
