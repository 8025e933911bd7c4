// Package metrics exposes Prometheus instruments for the status
// synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Resyncs counts completed full rebuilds by trigger.
	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dismissal_resyncs_total",
		Help: "Full index rebuilds by trigger",
	}, []string{"trigger"})

	// ResyncFailures counts resync reads that failed against the store.
	ResyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dismissal_resync_failures_total",
		Help: "Resync reads that failed against the record store",
	})

	// ResyncDuration observes how long a snapshot read takes.
	ResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dismissal_resync_duration_seconds",
		Help:    "Duration of snapshot reads",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// Notifications counts change events by what the reconciler did with them.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dismissal_notifications_total",
		Help: "Change notifications by outcome",
	}, []string{"outcome"})

	// HintMismatches counts events whose prior status disagreed with the index.
	HintMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dismissal_hint_mismatches_total",
		Help: "Change notifications that revealed index drift",
	})

	// Writes counts write path calls by operation and outcome.
	Writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dismissal_writes_total",
		Help: "Status writes by operation and outcome",
	}, []string{"operation", "outcome"})

	// OpenSessions tracks live observer sessions.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dismissal_open_sessions",
		Help: "Observer sessions currently open",
	})
)

// Notification outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeUnknown  = "unknown"
	OutcomeStale    = "stale"
	OutcomeOtherDay = "other_day"
	OutcomeDeferred = "deferred"
)
