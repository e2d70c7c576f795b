// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChangesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revertit_changes_opened_total",
			Help: "Total number of pending changes opened, by category",
		},
		[]string{"category"},
	)

	ChangesConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revertit_changes_confirmed_total",
			Help: "Total number of pending changes confirmed, by category",
		},
		[]string{"category"},
	)

	ChangesReverted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revertit_changes_reverted_total",
			Help: "Total number of pending changes reverted, by category",
		},
		[]string{"category"},
	)

	ChangesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revertit_changes_failed_total",
			Help: "Total number of pending changes that failed to revert, by category",
		},
		[]string{"category"},
	)

	PendingChangesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revertit_pending_changes",
			Help: "Number of changes currently in a non-terminal state, by state",
		},
		[]string{"state"},
	)

	SnapshotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "revertit_snapshots_total",
			Help: "Total number of snapshots retained",
		},
	)

	SnapshotBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "revertit_snapshot_bytes_total",
			Help: "Total bytes of captured file content across retained snapshots",
		},
	)

	RevertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revertit_revert_duration_seconds",
			Help:    "Time taken to execute a revert's RestorePlan",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revertit_reachability_probe_duration_seconds",
			Help:    "Time taken for a connectivity reachability probe",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revertit_service_restarts_total",
			Help: "Total number of service restart attempts, by result",
		},
		[]string{"result"},
	)

	WatcherDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revertit_watcher_degraded_total",
			Help: "Total number of times the filesystem watcher reported degradation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ChangesOpened,
		ChangesConfirmed,
		ChangesReverted,
		ChangesFailed,
		PendingChangesGauge,
		SnapshotsTotal,
		SnapshotBytesTotal,
		RevertDuration,
		ProbeDuration,
		ServiceRestartsTotal,
		WatcherDegradedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time against a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
