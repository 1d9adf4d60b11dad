package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds warp's Prometheus metrics on a private registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Command routing metrics.
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	FallbacksTotal   prometheus.Counter
	BlockedCommands  prometheus.Counter
	HeavyCallsTotal  *prometheus.CounterVec
	HeavyCallLatency *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Preview metrics.
	PreviewRequestsTotal *prometheus.CounterVec
	DevServersDetected   *prometheus.CounterVec

	// LLM and agent metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec
	AgentRunsTotal     *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

const namespace = "warp"

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

// Latency buckets. Commands span sub-second shell builtins to half-hour
// heavy builds.
var (
	commandBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800}
	sandboxBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120}
	llmBuckets     = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
)

// NewMetricsCollector registers every warp metric on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	m := &MetricsCollector{
		Registry: prometheus.NewRegistry(),

		CommandsTotal:    counterVec("command", "executions_total", "Commands dispatched, by executor and routing decision.", "executor", "routing", "status"),
		CommandDuration:  histogramVec("command", "duration_seconds", "Command duration in seconds.", commandBuckets, "executor"),
		FallbacksTotal:   counter("command", "heavy_fallbacks_total", "Heavy commands re-run on the light sandbox after a heavy failure."),
		BlockedCommands:  counter("command", "blocked_total", "Commands rejected by the blocked pattern set."),
		HeavyCallsTotal:  counterVec("heavy", "calls_total", "Calls to the heavy compute backend.", "endpoint", "status"),
		HeavyCallLatency: histogramVec("heavy", "call_duration_seconds", "Heavy backend call duration in seconds.", commandBuckets[1:], "endpoint"),

		SandboxExecutionsTotal:   counterVec("sandbox", "executions_total", "Sandbox executions by backend and outcome.", "type", "status"),
		SandboxExecutionDuration: histogramVec("sandbox", "execution_duration_seconds", "Sandbox execution duration in seconds.", sandboxBuckets, "type"),

		PreviewRequestsTotal: counterVec("preview", "requests_total", "Requests served by the preview proxy.", "status_code"),
		DevServersDetected:   counterVec("preview", "dev_servers_detected_total", "Development servers detected in command output.", "server_type"),

		LLMRequestsTotal:   counterVec("llm", "requests_total", "LLM provider calls.", "provider", "status"),
		LLMRequestDuration: histogramVec("llm", "request_duration_seconds", "LLM provider call duration in seconds.", llmBuckets, "provider"),
		LLMTokensUsed:      counterVec("llm", "tokens_used_total", "LLM tokens consumed.", "provider", "direction"),
		AgentRunsTotal:     counterVec("agent", "runs_total", "Autonomous agent runs by final status.", "status"),

		HTTPRequestsTotal:   counterVec("http", "requests_total", "HTTP requests.", "method", "path", "status_code"),
		HTTPRequestDuration: histogramVec("http", "request_duration_seconds", "HTTP request duration in seconds.", prometheus.DefBuckets, "method", "path"),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_requests", Help: "Requests in flight."}),
	}
	m.Registry.MustRegister(
		m.CommandsTotal, m.CommandDuration, m.FallbacksTotal, m.BlockedCommands,
		m.HeavyCallsTotal, m.HeavyCallLatency,
		m.SandboxExecutionsTotal, m.SandboxExecutionDuration,
		m.PreviewRequestsTotal, m.DevServersDetected,
		m.LLMRequestsTotal, m.LLMRequestDuration, m.LLMTokensUsed, m.AgentRunsTotal,
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.ActiveRequests,
	)
	return m
}

// RegisterGauge exposes fn as a gauge, e.g. the live session count.
func (m *MetricsCollector) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RecordCommand records one routed command. Safe on a nil receiver.
func (m *MetricsCollector) RecordCommand(executor, routing string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.CommandsTotal.WithLabelValues(executor, routing, status).Inc()
	m.CommandDuration.WithLabelValues(executor).Observe(d.Seconds())
}

// RecordHeavyCall records one heavy backend call. Safe on a nil receiver.
func (m *MetricsCollector) RecordHeavyCall(endpoint string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.HeavyCallsTotal.WithLabelValues(endpoint, status).Inc()
	m.HeavyCallLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordFallback counts a heavy to sandbox fallback. Safe on a nil receiver.
func (m *MetricsCollector) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

// RecordBlocked counts a command rejected by the guard. Safe on a nil receiver.
func (m *MetricsCollector) RecordBlocked() {
	if m == nil {
		return
	}
	m.BlockedCommands.Inc()
}

// RecordDevServer counts a detected development server. Safe on a nil receiver.
func (m *MetricsCollector) RecordDevServer(serverType string) {
	if m == nil {
		return
	}
	m.DevServersDetected.WithLabelValues(serverType).Inc()
}

// RecordPreviewRequest counts a proxied preview response. Safe on a nil receiver.
func (m *MetricsCollector) RecordPreviewRequest(code int) {
	if m == nil {
		return
	}
	m.PreviewRequestsTotal.WithLabelValues(statusCode(code)).Inc()
}

// RecordAgentRun counts a finished agent run. Safe on a nil receiver.
func (m *MetricsCollector) RecordAgentRun(status string) {
	if m == nil {
		return
	}
	m.AgentRunsTotal.WithLabelValues(status).Inc()
}

func statusCode(code int) string { return strconv.Itoa(code) }
