package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

const chatCompletionBody = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"created": 1,
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`

func singleUserTurn(text string) []models.Turn {
	return []models.Turn{{
		Role:       models.RoleUser,
		UserBlocks: []models.UserBlock{{Text: &models.TextBlock{Text: text}}},
	}}
}

func TestOpenAICompatRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAICompatProvider("chutes", "key", srv.URL+"/v1", false, 50*time.Millisecond, nil)
	_, err := p.Generate(context.Background(), &Request{
		Model:    "deepseek-ai/DeepSeek-V3-0324",
		Messages: singleUserTurn("hi"),
	})
	require.Error(t, err)

	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransient, pe.Kind, "a hung call must surface as a retryable timeout, not block")
}

func TestOpenAICompatSendsToolChoiceAndTemperature(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("chutes", "key", srv.URL+"/v1", false, time.Minute, nil)
	req := &Request{
		Model:       "deepseek-ai/DeepSeek-V3-0324",
		Messages:    singleUserTurn("hi"),
		Tools:       []ToolSpec{{Name: "calculate", Description: "math", Schema: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice:  "auto",
		Temperature: 0.7,
	}
	_, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "auto", captured["tool_choice"])
	temp, ok := captured["temperature"].(float64)
	require.True(t, ok, "temperature must be sent")
	assert.InDelta(t, 0.7, temp, 0.001)

	// A non-keyword choice names a specific tool.
	req.ToolChoice = "calculate"
	_, err = p.Generate(context.Background(), req)
	require.NoError(t, err)
	choice, ok := captured["tool_choice"].(map[string]any)
	require.True(t, ok)
	fn, _ := choice["function"].(map[string]any)
	assert.Equal(t, "calculate", fn["name"])
}

func TestConvertChatToolChoiceKeywords(t *testing.T) {
	assert.Equal(t, "auto", convertChatToolChoice("auto"))
	assert.Equal(t, "none", convertChatToolChoice("none"))
	assert.Equal(t, "required", convertChatToolChoice("any"))
	assert.Equal(t, "required", convertChatToolChoice("required"))
}
