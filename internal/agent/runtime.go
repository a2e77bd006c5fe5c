package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/credit"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/workspace"
	"github.com/loomworks/loom/pkg/models"
)

// CompletionMarker is the text synthesized when a model returns an
// empty response. It satisfies the termination heuristic so the run
// ends instead of spinning.
const CompletionMarker = "Task completed."

// CanceledMessage is emitted as a system event when the user cancels a
// running query.
const CanceledMessage = "Processing was canceled by the user."

// interruptedMarker is recorded in the transcript when a run is
// canceled between tool calls.
const interruptedMarker = "Processing was interrupted by the user."

var completionPhrases = []string{"task completed", "here is", "in conclusion", "based on"}

var continuationPhrases = []string{"let me", "i'll", "next", "searching"}

// clarificationPrompt is injected when the model neither called a tool
// nor produced a response the termination heuristic accepts.
const clarificationPrompt = "If the task is complete, state the final result clearly. Otherwise, call one of the available tools to make progress."

// Config wires one agent runtime.
type Config struct {
	SessionID string

	// Model is the primary model for the run.
	Model string

	// ProKey is the validated Pro key, empty for free runs.
	ProKey string

	// EmulateTools requests JSON-emulated tool calling.
	EmulateTools bool

	// SystemPrompt is the base system prompt.
	SystemPrompt string

	// MaxTurns caps assistant turns, MaxRounds caps model calls.
	MaxTurns  int
	MaxRounds int

	// MaxTokens caps one response; TokenBudget caps the transcript.
	MaxTokens   int
	TokenBudget int

	// Temperature for model sampling. Zero leaves the provider default.
	Temperature float64

	// ContextStrategy selects standard or file-spill truncation.
	ContextStrategy ContextStrategy

	Workspace *workspace.Workspace
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Runtime drives one agent's turn loop. A runtime belongs to exactly
// one connection and is never shared.
type Runtime struct {
	cfg      Config
	router   *llm.Router
	registry *Registry
	history  *History
	contextm *ContextManager
	events   *EventRouter
	ledger   *credit.Ledger
	logger   *slog.Logger

	// model is the effective model, swapped to the free fallback when
	// the Pro budget runs out.
	model string

	turns    int
	rounds   int
	canceled atomic.Bool
	running  atomic.Bool
}

// NewRuntime builds a runtime. ledger may be nil for deployments
// without Pro accounting.
func NewRuntime(cfg Config, router *llm.Router, registry *Registry, events *EventRouter, ledger *credit.Ledger) *Runtime {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 150
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		router:   router,
		registry: registry,
		history:  NewHistory(),
		contextm: NewContextManager(cfg.TokenBudget, cfg.ContextStrategy, cfg.Workspace, cfg.Logger),
		events:   events,
		ledger:   ledger,
		logger:   cfg.Logger,
		model:    cfg.Model,
	}
}

// Events returns the runtime's event router.
func (r *Runtime) Events() *EventRouter {
	return r.events
}

// Registry returns the runtime's tool registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// History returns the runtime's transcript.
func (r *Runtime) History() *History {
	return r.history
}

// Running reports whether a query is currently executing.
func (r *Runtime) Running() bool {
	return r.running.Load()
}

// Cancel requests a graceful stop. The in-flight tool invocation is
// not killed; the run observes the flag at the next suspension point.
func (r *Runtime) Cancel() {
	r.canceled.Store(true)
}

// Run executes one user instruction to completion. Budget exhaustion
// and cancellation end the run successfully; only provider-fatal and
// internal errors come back as errors.
func (r *Runtime) Run(ctx context.Context, instruction string) error {
	r.running.Store(true)
	defer r.running.Store(false)
	r.canceled.Store(false)

	images := collectImages(r.cfg.Workspace, instruction, r.logger)
	if err := r.history.AddUserPrompt(instruction, images...); err != nil {
		return fmt.Errorf("failed to record instruction: %w", err)
	}
	r.events.Emit(models.EventUserMessage, map[string]any{"content": map[string]any{"text": instruction}})
	r.events.Emit(models.EventProcessing, map[string]any{"message": "Processing your request"})

	for {
		if r.turns >= r.cfg.MaxTurns || r.rounds >= r.cfg.MaxRounds {
			r.emitResponse(fmt.Sprintf(
				"I reached the run budget (%d turns, %d model calls) before finishing. Here is what I have so far:\n\n%s",
				r.turns, r.rounds, r.history.LastAssistantText()))
			return nil
		}
		if r.checkCanceled(ctx) {
			r.events.Emit(models.EventSystem, map[string]any{"message": CanceledMessage})
			return nil
		}

		specs := r.registry.Specs()
		if err := validateToolSpecs(specs); err != nil {
			return err
		}

		if done, err := r.gatePremium(ctx); err != nil {
			return err
		} else if done {
			return nil
		}

		truncated, err := r.contextm.ApplyTruncationIfNeeded(r.history.Messages())
		if err != nil {
			return fmt.Errorf("context truncation failed: %w", err)
		}
		r.history.Replace(truncated)

		r.rounds++
		r.events.Emit(models.EventAgentThinking, map[string]any{"round": r.rounds})

		resp, err := r.router.Generate(ctx, &llm.Request{
			Model:        r.model,
			System:       r.cfg.SystemPrompt,
			Messages:     r.history.Messages(),
			Tools:        specs,
			MaxTokens:    r.cfg.MaxTokens,
			Temperature:  r.cfg.Temperature,
			EmulateTools: r.cfg.EmulateTools,
		})
		if err != nil {
			r.events.Emit(models.EventError, map[string]any{
				"message":    "The model request failed: " + err.Error(),
				"error_code": models.ErrCodeAgentRuntimeError,
			})
			return err
		}

		blocks := resp.Blocks
		if len(blocks) == 0 {
			r.logger.Warn("model returned an empty response, synthesizing completion marker",
				"model", resp.Model)
			blocks = []models.AssistantBlock{{Text: &models.TextBlock{Text: CompletionMarker}}}
		}
		if err := r.history.AddAssistantTurn(blocks); err != nil {
			return fmt.Errorf("failed to record assistant turn: %w", err)
		}
		r.turns++

		pending := r.history.PendingToolCalls()
		if len(pending) == 0 {
			text := r.history.LastAssistantText()
			if r.isComplete(text) {
				r.emitResponse(text)
				return nil
			}
			if err := r.history.AddUserTurn([]models.UserBlock{{Text: &models.TextBlock{Text: clarificationPrompt}}}); err != nil {
				return err
			}
			continue
		}

		done, err := r.dispatchTools(ctx, pending)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// gatePremium enforces Pro credit accounting before a premium model
// call. It returns done=true when the run must end.
func (r *Runtime) gatePremium(ctx context.Context) (bool, error) {
	if !llm.IsPremium(r.model) {
		return false, nil
	}
	if r.cfg.ProKey == "" || r.ledger == nil {
		// Premium without a key never happens through the connection
		// manager; fall back defensively if it does.
		r.model = llm.FreeFallbackModel
		return false, nil
	}

	res, err := r.ledger.Track(ctx, r.cfg.ProKey, r.model)
	if err != nil {
		return false, fmt.Errorf("credit tracking failed: %w", err)
	}
	if r.cfg.Metrics != nil && res.Allowed {
		r.cfg.Metrics.RecordCredits(r.model, credit.ModelCost(r.model))
	}
	if res.UseFallback {
		r.events.Emit(models.EventSystem, map[string]any{
			"message": fmt.Sprintf("Monthly Pro credit limit reached (%d used). Continuing on the free model.", res.CurrentUsage),
		})
		r.model = llm.FreeFallbackModel
		return false, nil
	}
	if !res.Allowed {
		r.emitResponse("Your monthly Pro credit limit is exhausted and no fallback model is available. The limit resets at the start of next month.")
		return true, nil
	}
	if res.WarningThreshold {
		r.events.Emit(models.EventSystem, map[string]any{
			"message": fmt.Sprintf("Heads up: you have used %d Pro credits this month.", res.CurrentUsage),
		})
	}
	return false, nil
}

// dispatchTools runs the pending tool calls in order. done=true ends
// the run (terminal tool or cancellation).
func (r *Runtime) dispatchTools(ctx context.Context, pending []models.ToolCall) (bool, error) {
	var executed []models.ToolCall
	var outputs []*models.ToolOutput

	finish := func() error {
		if len(executed) == 0 {
			return nil
		}
		return r.history.AddToolCallResults(executed, outputs)
	}

	for _, call := range pending {
		if r.checkCanceled(ctx) {
			executed = append(executed, call)
			outputs = append(outputs, &models.ToolOutput{Output: interruptedMarker, IsError: true})
			if err := finish(); err != nil {
				return true, err
			}
			if err := r.history.AddAssistantTurn([]models.AssistantBlock{{Text: &models.TextBlock{Text: interruptedMarker}}}); err != nil {
				return true, err
			}
			r.events.Emit(models.EventSystem, map[string]any{"message": CanceledMessage})
			r.emitResponse(interruptedMarker)
			return true, nil
		}

		r.events.Emit(models.EventToolCall, map[string]any{
			"id": call.ID, "name": call.Name, "input": call.Input,
		})

		start := time.Now()
		out := r.registry.Execute(ctx, call.Name, call.Input)
		if r.cfg.Metrics != nil {
			status := "success"
			if out.IsError {
				status = "error"
			}
			r.cfg.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		}

		r.events.Emit(models.EventToolResult, map[string]any{
			"id": call.ID, "name": call.Name, "result": out.Output, "is_error": out.IsError,
		})

		executed = append(executed, call)
		outputs = append(outputs, out)

		tool, _ := r.registry.Get(call.Name)
		if tool != nil && IsTerminal(tool) && !out.IsError {
			if err := finish(); err != nil {
				return true, err
			}
			answer := out.FinalAnswer
			if answer == "" {
				answer = out.Output
			}
			if err := r.history.AddAssistantTurn([]models.AssistantBlock{{Text: &models.TextBlock{Text: answer}}}); err != nil {
				return true, err
			}
			r.emitResponse(answer)
			return true, nil
		}
	}

	return false, finish()
}

func (r *Runtime) emitResponse(text string) {
	r.events.Emit(models.EventAgentResponse, map[string]any{"text": text})
	r.events.Emit(models.EventStreamComplete, map[string]any{})
}

func (r *Runtime) checkCanceled(ctx context.Context) bool {
	return r.canceled.Load() || ctx.Err() != nil
}

// isComplete is the termination heuristic for responses without tool
// calls: a completion phrase with no continuation phrase and enough
// length, or a long response that does not promise further work.
func (r *Runtime) isComplete(text string) bool {
	lower := strings.ToLower(text)
	hasContinuation := false
	for _, phrase := range continuationPhrases {
		if strings.Contains(lower, phrase) {
			hasContinuation = true
			break
		}
	}
	if hasContinuation {
		return false
	}
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) && len(text) > 10 {
			return true
		}
	}
	return len(text) > 100
}

// validateToolSpecs rejects duplicate tool names. The registry already
// guarantees uniqueness at construction; this guards the per-turn
// rebuild.
func validateToolSpecs(specs []llm.ToolSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}
