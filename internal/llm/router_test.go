package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

type stubResult struct {
	resp *Response
	err  error
}

type stubProvider struct {
	name     string
	results  []stubResult
	requests []Request
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) SupportsNativeTools() bool { return true }
func (s *stubProvider) SupportsVision() bool      { return false }

func (s *stubProvider) Generate(_ context.Context, req *Request) (*Response, error) {
	s.requests = append(s.requests, *req)
	if len(s.results) == 0 {
		return nil, errors.New("stub exhausted")
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.resp, r.err
}

// emulStub also records the tool mode of each call.
type emulStub struct {
	stubProvider
	modes []ToolMode
}

func (s *emulStub) GenerateWithMode(ctx context.Context, req *Request, mode ToolMode) (*Response, error) {
	s.modes = append(s.modes, mode)
	return s.Generate(ctx, req)
}

func textResponse(text string) *Response {
	return &Response{Blocks: []models.AssistantBlock{{Text: &models.TextBlock{Text: text}}}}
}

func newTestRouter(providers map[string]Provider, sleeps *int) *Router {
	r := NewRouter(RouterConfig{Providers: providers, MaxRetries: 3, TestMode: true})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps++
		}
		return nil
	}
	return r
}

func TestRouterRetriesTransientThenSucceeds(t *testing.T) {
	stub := &stubProvider{name: "chutes", results: []stubResult{
		{err: &ProviderError{Kind: KindTransient, Message: "connection reset"}},
		{resp: textResponse("done")},
	}}
	sleeps := 0
	router := newTestRouter(map[string]Provider{"chutes": stub}, &sleeps)

	resp, err := router.Generate(context.Background(), &Request{
		Model:    "deepseek-ai/DeepSeek-V3-0324",
		Messages: []models.Turn{models.UserTextTurn("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Blocks[0].Text.Text)
	assert.Len(t, stub.requests, 2)
	assert.Equal(t, 1, sleeps, "one backoff sleep between attempts")
}

func TestRouterAdvancesModelOnContextLength(t *testing.T) {
	stub := &stubProvider{name: "chutes", results: []stubResult{
		{err: &ProviderError{Kind: KindContextLength, Message: "maximum context length exceeded"}},
		{resp: textResponse("shorter model ok")},
	}}
	sleeps := 0
	router := newTestRouter(map[string]Provider{"chutes": stub}, &sleeps)

	resp, err := router.Generate(context.Background(), &Request{
		Model:    "deepseek-ai/DeepSeek-V3-0324",
		Messages: []models.Turn{models.UserTextTurn("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "shorter model ok", resp.Blocks[0].Text.Text)
	require.Len(t, stub.requests, 2)
	assert.Equal(t, "deepseek-ai/DeepSeek-V3-0324", stub.requests[0].Model)
	assert.NotEqual(t, stub.requests[0].Model, stub.requests[1].Model, "second call must use the next model")
	assert.Equal(t, 0, sleeps, "context overflow must not accrue backoff")
}

func TestRouterDoesNotRetryAuthErrors(t *testing.T) {
	stub := &stubProvider{name: "anthropic", results: []stubResult{
		{err: &ProviderError{Kind: KindAuth, Status: 401, Message: "invalid api key"}},
	}}
	router := newTestRouter(map[string]Provider{"anthropic": stub}, nil)

	_, err := router.Generate(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []models.Turn{models.UserTextTurn("hi")},
	})
	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, pe.Kind)
	assert.Len(t, stub.requests, 1, "auth errors are never retried")
}

func TestRouterSwitchesToEmulatedTools(t *testing.T) {
	stub := &emulStub{stubProvider: stubProvider{name: "chutes", results: []stubResult{
		{err: &ProviderError{Kind: KindToolsUnsupported, Message: "tool use is not supported"}},
		{resp: textResponse("emulated ok")},
	}}}
	sleeps := 0
	router := newTestRouter(map[string]Provider{"chutes": stub}, &sleeps)

	resp, err := router.Generate(context.Background(), &Request{
		Model:    "deepseek-ai/DeepSeek-V3-0324",
		Messages: []models.Turn{models.UserTextTurn("hi")},
		Tools:    []ToolSpec{{Name: "calculate", Schema: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "emulated ok", resp.Blocks[0].Text.Text)
	require.Equal(t, []ToolMode{ToolModeNative, ToolModeEmulated}, stub.modes)
	assert.Equal(t, 0, sleeps, "mode switch retries immediately")
}

func TestRouterOuterRetryAppendsClarification(t *testing.T) {
	stub := &stubProvider{name: "moonshot"}
	router := newTestRouter(map[string]Provider{"moonshot": stub}, nil)

	_, err := router.Generate(context.Background(), &Request{
		Model:    "kimi-k2-0711-preview",
		System:   "You are helpful.",
		Messages: []models.Turn{models.UserTextTurn("hi")},
	})
	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindFatal, pe.Kind)

	// First pass uses the original prompt, later passes the clarified one.
	require.NotEmpty(t, stub.requests)
	assert.Equal(t, "You are helpful.", stub.requests[0].System)
	last := stub.requests[len(stub.requests)-1]
	assert.Contains(t, last.System, clarifyingSentence)
}

func TestRouterSkipsUnconfiguredRoutes(t *testing.T) {
	// Anthropic chain falls back to the free chutes model; only chutes
	// is configured here.
	stub := &stubProvider{name: "chutes", results: []stubResult{{resp: textResponse("fallback served")}}}
	router := newTestRouter(map[string]Provider{"chutes": stub}, nil)

	resp, err := router.Generate(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []models.Turn{models.UserTextTurn("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback served", resp.Blocks[0].Text.Text)
	require.Len(t, stub.requests, 1)
	assert.Equal(t, FreeFallbackModel, stub.requests[0].Model)
}

func TestPostProcessFiltersUnknownAndLoopedCalls(t *testing.T) {
	router := newTestRouter(map[string]Provider{}, nil)

	history := []models.Turn{
		assistantToolCallTurn("read_file", `{"path":"a"}`),
		assistantToolCallTurn("read_file", `{"path":"b"}`),
	}
	req := &Request{
		Messages: history,
		Tools:    []ToolSpec{{Name: "read_file"}, {Name: "calculate"}},
	}
	resp := &Response{Blocks: []models.AssistantBlock{
		{Text: &models.TextBlock{Text: "working"}},
		{ToolCall: &models.ToolCall{ID: "1", Name: "made_up_tool", Input: json.RawMessage(`{}`)}},
		{ToolCall: &models.ToolCall{ID: "2", Name: "read_file", Input: json.RawMessage(`{"path":"c"}`)}},
		{ToolCall: &models.ToolCall{ID: "3", Name: "calculate", Input: json.RawMessage(`{"expression":"1"}`)}},
	}}

	out := router.postProcess(req, resp)
	var names []string
	for _, b := range out.Blocks {
		if b.ToolCall != nil {
			names = append(names, b.ToolCall.Name)
		}
	}
	// made_up_tool is unregistered; read_file trips the loop detector at
	// three occurrences; calculate survives.
	assert.Equal(t, []string{"calculate"}, names)
	assert.Equal(t, "working", out.Blocks[0].Text.Text)
}
