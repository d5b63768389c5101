// Package metrics exports run, batch, item and cursor metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
)

const namespace = "ledgersync"

// Observer records orchestrator and scheduler events. It implements
// batchsync.Observer and scheduler.Observer.
type Observer struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsActive    *prometheus.GaugeVec
	items         *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	cursor        *prometheus.GaugeVec
	triggers      *prometheus.CounterVec
}

// NewObserver registers the collectors with reg
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)

	return &Observer{
		runsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Runs dispatched, by domain and mode",
			},
			[]string{"domain", "mode"},
		),
		runsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs reaching a terminal status",
			},
			[]string{"domain", "status"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time from dispatch to aggregation",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"domain"},
		),
		runsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs dispatched and not yet aggregated",
			},
			[]string{"domain"},
		),
		items: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Items classified by batch workers",
			},
			[]string{"domain", "outcome"},
		),
		batchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to process one batch",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"domain"},
		),
		cursor: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cursor_offset",
				Help:      "Current scan cursor per domain",
			},
			[]string{"domain"},
		),
		triggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_triggers_total",
				Help:      "Scheduled trigger attempts by outcome",
			},
			[]string{"domain", "outcome"},
		),
	}
}

func (o *Observer) RunStarted(domain string, mode batchsync.Mode, items, batches int) {
	o.runsStarted.WithLabelValues(domain, mode.String()).Inc()
	o.runsActive.WithLabelValues(domain).Inc()
}

func (o *Observer) BatchCompleted(domain string, result batchsync.BatchResult, elapsed time.Duration) {
	o.items.WithLabelValues(domain, batchsync.OutcomeSynced.String()).Add(float64(result.Synced))
	o.items.WithLabelValues(domain, batchsync.OutcomeFailed.String()).Add(float64(result.Failed))
	o.items.WithLabelValues(domain, batchsync.OutcomeSkipped.String()).Add(float64(result.Skipped))
	o.batchDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
}

func (o *Observer) RunFinished(domain string, status batchsync.Status, totals batchsync.Totals, elapsed time.Duration) {
	o.runsFinished.WithLabelValues(domain, string(status)).Inc()
	o.runDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
	o.runsActive.WithLabelValues(domain).Dec()
}

func (o *Observer) CursorMoved(domain string, offset int) {
	o.cursor.WithLabelValues(domain).Set(float64(offset))
}

// Triggered counts a scheduler trigger attempt
func (o *Observer) Triggered(domain, outcome string) {
	o.triggers.WithLabelValues(domain, outcome).Inc()
}
