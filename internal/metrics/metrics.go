// Package metrics holds the Prometheus instrumentation of the sandbox.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExecutionBuckets spans quick cells up to the default two minute timeout.
var ExecutionBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// StartBuckets covers container and kernel bring-up latencies.
var StartBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60}

var (
	// SessionsActive tracks the number of registered sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbox_sessions_active",
			Help: "Registered sessions",
		},
	)

	// SessionsCreatedTotal counts sessions registered on first use.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbox_sessions_created_total",
			Help: "Sessions created",
		},
	)

	// SessionsClosedTotal counts closed sessions by reason (explicit, idle, shutdown).
	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbox_sessions_closed_total",
			Help: "Sessions closed",
		},
		[]string{"reason"},
	)

	// KernelStartDuration records how long launching a kernel took.
	KernelStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellbox_kernel_start_duration_seconds",
			Help:    "Kernel launch duration",
			Buckets: StartBuckets,
		},
	)

	// StartupFailuresTotal counts kernels or clients that failed to come up, by access mode.
	StartupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbox_startup_failures_total",
			Help: "Startup failures",
		},
		[]string{"mode"},
	)

	// BootstrapTotal counts bootstrap runs by outcome.
	BootstrapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbox_bootstrap_total",
			Help: "Bootstrap runs",
		},
		[]string{"outcome"},
	)

	// ExecutionsTotal counts executions by access mode and how they ended.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbox_executions_total",
			Help: "Executions",
		},
		[]string{"mode", "status"},
	)

	// ExecutionDuration records execution wall time by access mode.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellbox_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"mode"},
	)

	// OutputEventsTotal counts produced output events by kind.
	OutputEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbox_output_events_total",
			Help: "Output events",
		},
		[]string{"kind"},
	)

	// DroppedMessagesTotal counts kernel messages matching no in-flight request.
	DroppedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbox_dropped_messages_total",
			Help: "Uncorrelated kernel messages",
		},
	)

	// WarmContainers tracks pre-started kernel containers waiting in the pool.
	WarmContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbox_warm_containers",
			Help: "Idle pre-started containers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsCreatedTotal,
		SessionsClosedTotal,
		KernelStartDuration,
		StartupFailuresTotal,
		BootstrapTotal,
		ExecutionsTotal,
		ExecutionDuration,
		OutputEventsTotal,
		DroppedMessagesTotal,
		WarmContainers,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
