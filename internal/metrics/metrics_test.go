package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success", 1.2, 100, 50)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success", 0.8, 40, 10)
	m.RecordLLMRequest("openrouter", "z-ai/glm-4.5-air:free", "error", 0.1, 0, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.LLMRequestCounter.WithLabelValues("openrouter", "z-ai/glm-4.5-air:free", "error")))
	assert.Equal(t, float64(140), testutil.ToFloat64(
		m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "prompt")))
}

func TestActiveConnectionsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ActiveConnections.Inc()
	m.ActiveConnections.Inc()
	m.ActiveConnections.Dec()

	expected := `
		# HELP loom_active_connections Current number of open WebSocket connections
		# TYPE loom_active_connections gauge
		loom_active_connections 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.ActiveConnections, strings.NewReader(expected)))
}

func TestRecordCreditsSkipsZeroCost(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordCredits("claude-opus-4-1-20250805", 4)
	m.RecordCredits("openai/gpt-4o", 0)

	assert.Equal(t, float64(4), testutil.ToFloat64(
		m.CreditsConsumed.WithLabelValues("claude-opus-4-1-20250805")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CreditsConsumed))
}
