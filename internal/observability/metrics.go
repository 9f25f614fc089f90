package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds every Prometheus metric sandboxd exposes. It uses
// a custom registry rather than the global one, so tests (and multiple
// instances in one process) never collide on metric registration.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// VM Controller metrics: one per subprocess invocation of the
	// virtualization CLI.
	VMControllerCallsTotal   *prometheus.CounterVec
	VMControllerCallDuration *prometheus.HistogramVec

	// Pipeline metrics: per-phase outcome and duration across every
	// (sample, VM) run.
	PipelinePhaseTotal    *prometheus.CounterVec
	PipelinePhaseDuration *prometheus.HistogramVec
	PipelineRunsTotal     *prometheus.CounterVec

	// Orchestrator metrics: task queue depth and task outcomes.
	OrchestratorQueueDepth prometheus.Gauge
	OrchestratorTasksTotal *prometheus.CounterVec

	// Collector metrics: alerts and behavioral events extracted per VM.
	CollectorAlertsTotal *prometheus.CounterVec
	CollectorEventsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with every metric
// registered on its own prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		VMControllerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "vmcontroller",
			Name:      "calls_total",
			Help:      "Total virtualization CLI invocations.",
		}, []string{"operation", "status"}),

		VMControllerCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "vmcontroller",
			Name:      "call_duration_seconds",
			Help:      "Virtualization CLI invocation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation"}),

		PipelinePhaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "pipeline",
			Name:      "phase_total",
			Help:      "Total pipeline phase completions by outcome.",
		}, []string{"phase", "status"}),

		PipelinePhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Pipeline phase duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total per-VM pipeline runs by final status.",
		}, []string{"agent_kind", "status"}),

		OrchestratorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Number of tasks currently queued for processing.",
		}),

		OrchestratorTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "orchestrator",
			Name:      "tasks_total",
			Help:      "Total tasks processed by final status.",
		}, []string{"status"}),

		CollectorAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "collector",
			Name:      "alerts_total",
			Help:      "Total alerts extracted per agent kind.",
		}, []string{"agent_kind"}),

		CollectorEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "collector",
			Name:      "events_total",
			Help:      "Total behavioral events extracted per event type.",
		}, []string{"event_type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.VMControllerCallsTotal,
		m.VMControllerCallDuration,
		m.PipelinePhaseTotal,
		m.PipelinePhaseDuration,
		m.PipelineRunsTotal,
		m.OrchestratorQueueDepth,
		m.OrchestratorTasksTotal,
		m.CollectorAlertsTotal,
		m.CollectorEventsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
