package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livinlefevreloca/ledgersync/internal/accounting"
	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/db"
	"github.com/livinlefevreloca/ledgersync/internal/domains"
	"github.com/livinlefevreloca/ledgersync/internal/metrics"
	"github.com/livinlefevreloca/ledgersync/internal/source"
)

// openStore opens the state database and applies pending migrations
func openStore(ctx context.Context) (*db.DB, error) {
	logger.Info("opening state database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)

	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	if err := database.Migrate(ctx, logger); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// runtime is everything a run needs: state stores, the records pool, the
// accounting client and an orchestrator with every enabled domain registered
type runtime struct {
	database *db.DB
	pool     *pgxpool.Pool
	client   *accounting.Client

	cursors *db.CursorStore
	ledger  *db.Ledger
	locker  *db.Locker

	registry *prometheus.Registry
	observer *metrics.Observer
	orch     *batchsync.Orchestrator
	domains  []string
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		database: database,
		cursors:  db.NewCursorStore(database),
		ledger:   db.NewLedger(database, time.Now),
		locker:   db.NewLocker(database, time.Now),
		registry: prometheus.NewRegistry(),
	}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.observer = metrics.NewObserver(rt.registry)

	rt.pool, err = sourcePool(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.client, err = accounting.NewClient(ctx, cfg.Accounting, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("accounting client: %w", err)
	}

	rt.orch, err = batchsync.New(cfg.Orchestrator, batchsync.Deps{
		Cursors:  rt.cursors,
		Ledger:   rt.ledger,
		Locker:   rt.locker,
		Observer: rt.observer,
	}, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	rt.domains, err = domains.RegisterAll(rt.orch, cfg.EffectiveDomains(), rt.pool, rt.client, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	logger.Info("domains registered", "domains", rt.domains)

	return rt, nil
}

func sourcePool(ctx context.Context) (*pgxpool.Pool, error) {
	logger.Info("connecting to records database", "max_conns", cfg.Source.MaxConns)

	pool, err := source.CreatePool(ctx, cfg.Source.DSN, cfg.Source.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("records database: %w", err)
	}
	return pool, nil
}

// schedules returns the configured schedules of registered domains
func (rt *runtime) schedules(all map[string]string) map[string]string {
	registered := make(map[string]bool, len(rt.domains))
	for _, d := range rt.domains {
		registered[d] = true
	}

	out := make(map[string]string)
	for domain, spec := range all {
		if !registered[domain] {
			logger.Warn("ignoring schedule of unregistered domain", "domain", domain)
			continue
		}
		out[domain] = spec
	}
	return out
}

// shutdown waits for in-flight runs to finish
func (rt *runtime) shutdown(ctx context.Context) error {
	if rt.orch == nil {
		return nil
	}
	return rt.orch.Shutdown(ctx)
}

func (rt *runtime) close() {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.database != nil {
		if err := rt.database.Close(); err != nil {
			logger.Warn("failed to close state database", "error", err)
		}
	}
}
