package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation pass metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinyscheduler_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinyscheduler_reconciliation_passes_total",
			Help: "Total number of reconciliation passes completed",
		},
	)

	ReconciliationSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinyscheduler_reconciliation_skipped_total",
			Help: "Total number of passes skipped due to lock contention",
		},
	)

	LeasesScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinyscheduler_leases_scanned_total",
			Help: "Total number of leases scanned across all passes",
		},
	)

	LeasesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_leases_reclaimed_total",
			Help: "Total number of leases reclaimed, by classification",
		},
		[]string{"classification"},
	)

	TasksSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_tasks_spawned_total",
			Help: "Total number of supervisors spawned, by agent",
		},
		[]string{"agent"},
	)

	TasksBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinyscheduler_tasks_blocked_total",
			Help: "Total number of candidate tasks filtered out as blocked",
		},
	)

	ReconcilerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_reconciler_errors_total",
			Help: "Total number of recoverable errors encountered during a pass",
		},
		[]string{"kind"},
	)

	// Task-service client metrics
	TaskServiceCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinyscheduler_task_service_call_duration_seconds",
			Help:    "Task-service call duration in seconds, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TaskServiceRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_task_service_retries_total",
			Help: "Total number of task-service call retries, by operation",
		},
		[]string{"operation"},
	)

	TaskServiceExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_task_service_exhausted_total",
			Help: "Total number of task-service calls that exhausted retries",
		},
		[]string{"operation"},
	)

	// Supervisor metrics
	SupervisorRuntimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinyscheduler_supervisor_runtime_seconds",
			Help:    "Wall-clock runtime of a supervised worker in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	SupervisorOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinyscheduler_supervisor_outcomes_total",
			Help: "Total number of supervised workers by terminal outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ReconciliationDuration,
		ReconciliationPassesTotal,
		ReconciliationSkippedTotal,
		LeasesScannedTotal,
		LeasesReclaimedTotal,
		TasksSpawnedTotal,
		TasksBlockedTotal,
		ReconcilerErrorsTotal,
		TaskServiceCallDuration,
		TaskServiceRetriesTotal,
		TaskServiceExhaustedTotal,
		SupervisorRuntimeSeconds,
		SupervisorOutcomesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
