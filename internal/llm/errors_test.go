package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"This model's maximum context length is 163840 tokens", KindContextLength},
		{"please reduce the length of the messages", KindContextLength},
		{"No endpoints found that support tool use", KindToolsUnsupported},
		{"401 Unauthorized", KindAuth},
		{"invalid api key provided", KindAuth},
		{"resource exhausted, try again later", KindTargetExhausted},
		{"insufficient balance on account", KindTargetExhausted},
		{"429 too many requests", KindTransient},
		{"connection reset by peer", KindTransient},
		{"upstream returned 503", KindTransient},
		{"something completely novel", KindTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(errors.New(tc.msg)), "message %q", tc.msg)
	}
}

func TestProviderErrorFormatting(t *testing.T) {
	err := NewProviderError("chutes", "deepseek-ai/DeepSeek-V3-0324", errors.New("connection reset")).WithStatus(503)
	assert.Contains(t, err.Error(), "[transient]")
	assert.Contains(t, err.Error(), "chutes")
	assert.Contains(t, err.Error(), "model=deepseek-ai/DeepSeek-V3-0324")
	assert.Contains(t, err.Error(), "status=503")
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("request failed: %w", NewProviderError("anthropic", "claude-sonnet-4-20250514", cause))

	pe, ok := AsProviderError(wrapped)
	assert.True(t, ok)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "anthropic", pe.Provider)
}

func TestKindProperties(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTargetExhausted.Retryable())
	assert.False(t, KindContextLength.Retryable())
	assert.True(t, KindContextLength.AdvancesModel())
	assert.True(t, KindToolsUnsupported.AdvancesModel())
	assert.False(t, KindAuth.Retryable())
	assert.True(t, IsFatal(&ProviderError{Kind: KindAuth}))
	assert.True(t, IsFatal(&ProviderError{Kind: KindFatal}))
	assert.False(t, IsFatal(&ProviderError{Kind: KindTransient}))
}
