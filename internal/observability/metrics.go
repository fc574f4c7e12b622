package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bamboo"

type moduleMetrics struct {
	loopRunTotal    *prometheus.CounterVec
	loopRunDuration prometheus.Histogram
	loopIterations  prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	approvalsPending  prometheus.Gauge
	approvalDecisions *prometheus.CounterVec

	activeRunners    prometheus.Gauge
	runnerStartTotal *prometheus.CounterVec
	subscribers      prometheus.Gauge

	providerRequestTotal *prometheus.CounterVec
	providerLatency      *prometheus.HistogramVec
	providerCooldown     *prometheus.GaugeVec

	contextTokens  prometheus.Histogram
	contextTrimmed prometheus.Counter

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			loopRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "loop_run_total",
					Help:      "Total agent loop runs by outcome.",
				},
				[]string{"outcome"},
			),
			loopRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_run_duration_seconds",
					Help:      "Agent loop run duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
				},
			),
			loopIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_iterations",
					Help:      "Provider round trips per loop run.",
					Buckets:   prometheus.LinearBuckets(1, 1, 10),
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool errors by tool and error kind.",
				},
				[]string{"tool", "kind"},
			),
			approvalsPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "approvals_pending",
					Help:      "Approval requests waiting for a decision.",
				},
			),
			approvalDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "approval_decisions_total",
					Help:      "Approval decisions by result (approved, rejected, expired).",
				},
				[]string{"result"},
			),
			activeRunners: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runners",
					Help:      "Agent loops currently running.",
				},
			),
			runnerStartTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "runner_start_total",
					Help:      "Start requests by result (started, already_running, completed).",
				},
				[]string{"result"},
			),
			subscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "event_subscribers",
					Help:      "Currently attached event stream subscribers.",
				},
			),
			providerRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_request_total",
					Help:      "Provider stream requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_stream_duration_seconds",
					Help:      "Provider stream duration from request to terminal chunk.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			contextTokens: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "context_tokens",
					Help:      "Estimated prompt tokens sent per model call.",
					Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
				},
			),
			contextTrimmed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "context_segments_trimmed_total",
					Help:      "Conversation segments left out of model calls to fit the context budget.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.loopRunTotal,
			m.loopRunDuration,
			m.loopIterations,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.approvalsPending,
			m.approvalDecisions,
			m.activeRunners,
			m.runnerStartTotal,
			m.subscribers,
			m.providerRequestTotal,
			m.providerLatency,
			m.providerCooldown,
			m.contextTokens,
			m.contextTrimmed,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLoopRun(outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.loopRunTotal.WithLabelValues(outcome).Inc()
	m.loopRunDuration.Observe(duration.Seconds())
	m.loopIterations.Observe(float64(iterations))
}

func RecordToolExecution(tool string, duration time.Duration, errKind string) {
	m := getMetrics()
	status := "success"
	if errKind != "" {
		status = "error"
		m.toolErrorsTotal.WithLabelValues(tool, errKind).Inc()
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetApprovalsPending(count int) {
	getMetrics().approvalsPending.Set(float64(count))
}

func RecordApprovalDecision(result string) {
	getMetrics().approvalDecisions.WithLabelValues(result).Inc()
}

func SetActiveRunners(count int) {
	getMetrics().activeRunners.Set(float64(count))
}

func RecordRunnerStart(result string) {
	getMetrics().runnerStartTotal.WithLabelValues(result).Inc()
}

func AddSubscribers(delta int) {
	getMetrics().subscribers.Add(float64(delta))
}

func RecordProviderRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerRequestTotal.WithLabelValues(provider, status).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordContextPrepared(tokens, trimmedSegments int) {
	m := getMetrics()
	m.contextTokens.Observe(float64(tokens))
	if trimmedSegments > 0 {
		m.contextTrimmed.Add(float64(trimmedSegments))
	}
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}
