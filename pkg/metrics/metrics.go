// Package metrics exposes Prometheus instrumentation for the kernel
// orchestration server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notebookd_sessions_total",
			Help: "Total number of sessions by state",
		},
		[]string{"state"},
	)

	KernelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notebookd_kernels_active",
			Help: "Number of currently running kernel subprocesses",
		},
	)

	KernelStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notebookd_kernel_start_duration_seconds",
			Help:    "Time taken for a kernel to report ready",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookd_kernel_crashes_total",
			Help: "Total number of kernel process exits classified by reason",
		},
		[]string{"reason"},
	)

	// Scheduler / task metrics
	TasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notebookd_tasks_queued",
			Help: "Total number of tasks currently pending across all sessions",
		},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notebookd_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notebookd_task_execution_duration_seconds",
			Help:    "Time taken for a task to reach a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	// I/O multiplexer metrics
	OrphanMessagesBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notebookd_orphan_messages_buffered",
			Help: "Number of output messages currently held in orphan buffers",
		},
	)

	OrphanMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notebookd_orphan_messages_dropped_total",
			Help: "Total number of orphan messages dropped due to ring overflow",
		},
	)

	SubscriberSendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notebookd_subscriber_send_failures_total",
			Help: "Total number of subscriber notification sends that failed",
		},
	)

	// Finalizer / asset metrics
	FinalizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notebookd_finalization_duration_seconds",
			Help:    "Time taken to finalize a completed task",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssetBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notebookd_asset_bytes_stored",
			Help: "Total bytes currently stored in asset directories",
		},
	)

	AssetsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notebookd_assets_pruned_total",
			Help: "Total number of asset files deleted by quota enforcement or GC",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(KernelsActive)
	prometheus.MustRegister(KernelStartDuration)
	prometheus.MustRegister(KernelCrashesTotal)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(OrphanMessagesBuffered)
	prometheus.MustRegister(OrphanMessagesDropped)
	prometheus.MustRegister(SubscriberSendFailuresTotal)
	prometheus.MustRegister(FinalizationDuration)
	prometheus.MustRegister(AssetBytesStored)
	prometheus.MustRegister(AssetsPrunedTotal)
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
