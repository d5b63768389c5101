package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/ledgersync/internal/api"
	"github.com/livinlefevreloca/ledgersync/internal/config"
	"github.com/livinlefevreloca/ledgersync/internal/metrics"
	"github.com/livinlefevreloca/ledgersync/internal/scheduler"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, HTTP API and metrics server",
	Long: `Run ledgersync as a long-lived service.

Every enabled domain with a schedule is triggered by the scheduler; runs can
also be started over the HTTP API. The config file is watched and schedule
changes are applied without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute,
		"how long to wait for in-flight runs on shutdown")
}

// service is a server run in the background until shutdown
type service interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting ledgersync", "version", Version)

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler.Config, scheduler.Deps{
			Trigger:  rt.orch,
			Purger:   rt.ledger,
			Observer: rt.observer,
		}, logger)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}

		for domain, spec := range rt.schedules(cfg.Schedules()) {
			if err := sched.Add(domain, spec); err != nil {
				return fmt.Errorf("schedule %s: %w", domain, err)
			}
		}
		rt.orch.OnComplete(sched.RunCompleted)
		sched.Start()
	} else {
		logger.Info("scheduler disabled; runs start only on request")
	}

	var services []service
	if cfg.HTTP.Enabled {
		deps := api.Deps{Orchestrator: rt.orch, History: rt.ledger}
		if sched != nil {
			deps.Schedule = sched
		}
		services = append(services, api.NewServer(cfg.HTTP.Address, deps, logger))
	}
	if cfg.Metrics.Enabled {
		services = append(services, metrics.NewServer(cfg.Metrics.Address, rt.registry, rt.client.Ready, logger))
	}

	errCh := make(chan error, len(services))
	for _, svc := range services {
		go func(svc service) {
			if err := svc.Start(); err != nil {
				errCh <- err
			}
		}(svc)
	}

	if sched != nil && configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			if err := sched.Reschedule(rt.schedules(next.Schedules())); err != nil {
				logger.Error("failed to apply reloaded schedules", "error", err)
			}
		}, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	logger.Info("ledgersync is running", "domains", rt.domains)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop triggering before waiting on the runs already dispatched
	if sched != nil {
		sched.Shutdown()
	}
	for _, svc := range services {
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
	}
	if err := rt.shutdown(shutdownCtx); err != nil {
		logger.Warn("runs still in flight at shutdown", "error", err)
	}

	logger.Info("ledgersync stopped")
	return runErr
}
