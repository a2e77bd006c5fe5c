// Package metrics collects Prometheus metrics for the loom server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. Create one per process with NewMetrics
// and pass it to the components that record into it.
type Metrics struct {
	// ActiveConnections tracks currently open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// EventsPersisted counts events written to the store, by type.
	EventsPersisted *prometheus.CounterVec

	// LLMRequestCounter counts model calls by provider, model and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by provider, model and type
	// (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ProviderRetries counts retry attempts by provider and error kind.
	ProviderRetries *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// CreditsConsumed counts Pro credits charged, by model.
	CreditsConsumed *prometheus.CounterVec

	// HTTPRequestCounter counts REST requests by method, path and status.
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors against reg. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_connections",
			Help: "Current number of open WebSocket connections",
		}),
		EventsPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_events_persisted_total",
			Help: "Total number of events persisted to the store by type",
		}, []string{"event_type"}),
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "Total number of LLM requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_llm_request_duration_seconds",
			Help:    "Duration of LLM requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_tokens_total",
			Help: "Total number of tokens used by provider, model, and type",
		}, []string{"provider", "model", "type"}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_provider_retries_total",
			Help: "Total number of provider retry attempts by provider and error kind",
		}, []string{"provider", "kind"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		CreditsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pro_credits_consumed_total",
			Help: "Total number of Pro credits charged by model",
		}, []string{"model"}),
		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_http_requests_total",
			Help: "Total number of REST requests by method, path, and status code",
		}, []string{"method", "path", "status_code"}),
	}
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRetry records one retry attempt against a provider.
func (m *Metrics) RecordRetry(provider, kind string) {
	m.ProviderRetries.WithLabelValues(provider, kind).Inc()
}

// RecordCredits records Pro credits charged for one request.
func (m *Metrics) RecordCredits(model string, cost int) {
	if cost > 0 {
		m.CreditsConsumed.WithLabelValues(model).Add(float64(cost))
	}
}
