package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/backoff"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/models"
)

// maxOuterRetries is how many times the router re-enters the full
// model loop with a clarifying sentence appended to the system prompt
// before giving up.
const maxOuterRetries = 3

// clarifyingSentence is appended to the system prompt on outer retries.
const clarifyingSentence = "Please provide a complete response: either call one of the available tools or state clearly that the task is complete."

// emulatedToolModer is satisfied by providers that can switch between
// native and JSON-emulated tool calling (the chutes route).
type emulatedToolModer interface {
	GenerateWithMode(ctx context.Context, req *Request, mode ToolMode) (*Response, error)
}

// Router drives the retry and fallback protocol over a set of
// providers: per-model retries with exponential backoff, model
// advancement on context overflow, tool-mode switching, outer retries
// with a clarifying prompt, and tool-call loop suppression.
type Router struct {
	providers  map[string]Provider
	maxRetries int
	policy     backoff.Policy
	detector   LoopDetector
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// RouterConfig wires a Router.
type RouterConfig struct {
	// Providers maps route names to provider implementations.
	Providers map[string]Provider

	// MaxRetries is the per-model attempt budget.
	MaxRetries int

	// TestMode caps backoff delays at one second.
	TestMode bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewRouter builds a Router.
func NewRouter(cfg RouterConfig) *Router {
	policy := backoff.DefaultPolicy()
	if cfg.TestMode {
		policy = backoff.TestPolicy()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers:  cfg.Providers,
		maxRetries: maxRetries,
		policy:     policy,
		logger:     logger,
		metrics:    cfg.Metrics,
		sleep:      backoff.Sleep,
	}
}

// Generate runs one assistant turn through the fallback protocol.
// The effective model comes from req.Model; the router never mutates
// provider state between calls.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	chain := FallbackChain(req.Model, len(req.Tools) > 0)
	system := req.System

	var lastErr error
	for outer := 0; outer <= maxOuterRetries; outer++ {
		if outer > 0 {
			if system != "" {
				system += " "
			}
			system += clarifyingSentence
			r.logger.Warn("all models failed, retrying with clarified prompt",
				"outer_attempt", outer, "primary", req.Model)
		}

		for _, model := range chain {
			if !r.Available(ProviderFor(model)) {
				continue
			}
			resp, err := r.tryModel(ctx, req, model, system)
			if err == nil {
				return r.postProcess(req, resp), nil
			}
			lastErr = err
			if IsFatal(err) {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		return nil, &ProviderError{Kind: KindFatal, Model: req.Model,
			Message: "no provider configured for any model in the fallback chain"}
	}
	return nil, &ProviderError{
		Kind:    KindFatal,
		Model:   req.Model,
		Message: "exceeded outer retry budget across all models",
		Cause:   lastErr,
	}
}

// tryModel attempts one model up to maxRetries times, switching tool
// mode when the model rejects structured tools.
func (r *Router) tryModel(ctx context.Context, req *Request, model, system string) (*Response, error) {
	providerName := ProviderFor(model)
	provider, ok := r.providers[providerName]
	if !ok {
		return nil, &ProviderError{Kind: KindFatal, Provider: providerName, Model: model,
			Message: "no provider configured for route"}
	}

	attempt := *req
	attempt.Model = model
	attempt.System = system

	mode := ToolModeNative
	if req.EmulateTools {
		mode = ToolModeEmulated
	}

	var lastErr error
	for try := 0; try < r.maxRetries; try++ {
		resp, err := r.call(ctx, provider, &attempt, mode)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		pe, ok := AsProviderError(err)
		if !ok {
			pe = NewProviderError(providerName, model, err)
		}
		r.logger.Warn("provider call failed",
			"provider", providerName, "model", model, "attempt", try, "kind", pe.Kind, "error", err)
		if r.metrics != nil {
			r.metrics.RecordRetry(providerName, string(pe.Kind))
		}

		switch {
		case pe.Kind == KindAuth || pe.Kind == KindFatal:
			return nil, err
		case pe.Kind == KindToolsUnsupported:
			if mode == ToolModeNative && supportsEmulation(provider) && len(req.Tools) > 0 {
				r.logger.Info("switching to JSON-emulated tool calling",
					"provider", providerName, "model", model)
				mode = ToolModeEmulated
				continue
			}
			return nil, err
		case pe.Kind == KindContextLength:
			// Never retried on this model; the caller advances the chain.
			return nil, err
		default:
			if try < r.maxRetries-1 {
				if err := r.sleep(ctx, backoff.Compute(r.policy, try)); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, lastErr
}

func supportsEmulation(p Provider) bool {
	_, ok := p.(emulatedToolModer)
	return ok
}

func (r *Router) call(ctx context.Context, provider Provider, req *Request, mode ToolMode) (*Response, error) {
	start := time.Now()
	var resp *Response
	var err error
	if em, ok := provider.(emulatedToolModer); ok {
		resp, err = em.GenerateWithMode(ctx, req, mode)
	} else {
		resp, err = provider.Generate(ctx, req)
	}
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		in, out := 0, 0
		if resp != nil {
			in, out = resp.InputTokens, resp.OutputTokens
		}
		r.metrics.RecordLLMRequest(provider.Name(), req.Model, status, time.Since(start).Seconds(), in, out)
	}
	return resp, err
}

// postProcess drops tool calls for unregistered names and calls that
// trip the loop detector, keeping at most one tool call per response.
func (r *Router) postProcess(req *Request, resp *Response) *Response {
	registered := make(map[string]struct{}, len(req.Tools))
	for _, t := range req.Tools {
		registered[t.Name] = struct{}{}
	}

	var filtered []models.AssistantBlock
	kept := 0
	for _, block := range resp.Blocks {
		if block.ToolCall == nil {
			filtered = append(filtered, block)
			continue
		}
		if _, ok := registered[block.ToolCall.Name]; !ok {
			r.logger.Warn("dropping tool call for unknown tool", "tool", block.ToolCall.Name)
			continue
		}
		if r.detector.Blocked(req.Messages, *block.ToolCall) {
			r.logger.Warn("loop detector blocked repeated tool call",
				"tool", block.ToolCall.Name, "call_id", block.ToolCall.ID)
			continue
		}
		if req.EmulateTools && kept >= 1 {
			continue
		}
		filtered = append(filtered, block)
		kept++
	}
	resp.Blocks = filtered
	return resp
}

// Available reports whether a route has a configured provider, used at
// startup validation.
func (r *Router) Available(route string) bool {
	_, ok := r.providers[route]
	return ok
}

// String implements fmt.Stringer for debug logs.
func (r *Router) String() string {
	return fmt.Sprintf("llm.Router(providers=%d, max_retries=%d)", len(r.providers), r.maxRetries)
}
