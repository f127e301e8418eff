package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every jobpipe metric.
const Namespace = "jobpipe"

// Metrics holds all Prometheus metrics for jobpipe.
// Using promauto for automatic registration with default registry.
var (
	// --- Pipeline Metrics ---

	// InvocationsTotal counts finished invocations by outcome.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "invocations_total",
			Help:      "Total number of job invocations by outcome",
		},
		[]string{"job", "outcome"},
	)

	// InvocationDuration tracks wall time of the whole lifecycle.
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of job invocations in seconds, hooks included",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms to ~70m
		},
		[]string{"job", "outcome"},
	)

	// ActiveInvocations tracks invocations currently inside the pipeline.
	ActiveInvocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "active_invocations",
			Help:      "Number of invocations currently executing",
		},
	)

	// HookFailures counts interceptor errors and panics per phase.
	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "hook_failures_total",
			Help:      "Total number of interceptor failures by phase",
		},
		[]string{"job", "phase", "interceptor"},
	)

	// HandlersInvoked counts exception handlers fired by rule.
	HandlersInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "handlers_invoked_total",
			Help:      "Total number of exception handlers invoked",
		},
		[]string{"rule"},
	)

	// --- Gate Metrics ---

	// GateDenials counts before-phase vetoes from the dependency gate.
	GateDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Total number of invocations denied by the dependency gate",
		},
		[]string{"job", "reason"},
	)

	// --- Interrupt Metrics ---

	// InterruptsDelivered counts interrupts handed to a handler.
	InterruptsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "interrupt",
			Name:      "delivered_total",
			Help:      "Total number of interrupts delivered by result",
		},
		[]string{"result"},
	)

	// --- Monitor Metrics ---

	// ActiveMonitors tracks registered resource monitors.
	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Number of resource monitors currently registered",
		},
	)

	// SamplerJoinTimeouts counts samplers that did not exit within the join bound.
	SamplerJoinTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "sampler_join_timeouts_total",
			Help:      "Total number of samplers that outlived the bounded join",
		},
	)

	// PeakMemory records the last observed heap peak per job.
	PeakMemory = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "peak_memory_bytes",
			Help:      "Peak heap usage of the last invocation",
		},
		[]string{"job"},
	)

	// CPUTime records CPU time consumed per invocation.
	CPUTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "cpu_seconds",
			Help:      "CPU time consumed by invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"job"},
	)

	// --- Scheduler Metrics ---

	// SchedulerLag measures delay between scheduled time and actual dispatch.
	SchedulerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between scheduled time and actual dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	// TriggersDispatched counts fired triggers.
	TriggersDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "triggers_dispatched_total",
			Help:      "Total number of triggers dispatched",
		},
		[]string{"source"},
	)

	// --- Executor Metrics ---

	// ExecutorJobsRunning tracks concurrent invocations on an executor.
	ExecutorJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "jobs_running",
			Help:      "Number of invocations currently running on this executor",
		},
	)

	// ExecutorTriggersConsumed counts triggers read from the queue.
	ExecutorTriggersConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "triggers_consumed_total",
			Help:      "Total number of triggers consumed by result",
		},
		[]string{"result"},
	)

	// ExecutorMemoryBytes reports the host memory seen at startup.
	ExecutorMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "host_memory_bytes",
			Help:      "Total host memory detected by the executor",
		},
	)

	// --- Resilience Metrics ---

	// CircuitState exposes breaker state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)
)

// RecordInvocation records metrics for a finished invocation.
func RecordInvocation(job, outcome string, durationSeconds float64) {
	InvocationsTotal.WithLabelValues(job, outcome).Inc()
	InvocationDuration.WithLabelValues(job, outcome).Observe(durationSeconds)
}

// RecordDispatch records a trigger being dispatched.
func RecordDispatch(source string, lagSeconds float64) {
	TriggersDispatched.WithLabelValues(source).Inc()
	if lagSeconds >= 0 {
		SchedulerLag.Observe(lagSeconds)
	}
}
