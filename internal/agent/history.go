package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// ErrWrongTurn is returned when an append violates the strict
// user/assistant alternation of the transcript.
var ErrWrongTurn = errors.New("turn violates role alternation")

// ErrUnknownToolCall is returned when a result references no call in
// the immediately preceding assistant turn.
var ErrUnknownToolCall = errors.New("tool result does not match a pending call")

// History is the ordered, role-alternating transcript of one agent.
// Even positions are user turns, odd positions assistant turns.
type History struct {
	turns []models.Turn
}

// NewHistory returns an empty transcript.
func NewHistory() *History {
	return &History{}
}

// nextRole is the role the next appended turn must have.
func (h *History) nextRole() models.Role {
	if len(h.turns)%2 == 0 {
		return models.RoleUser
	}
	return models.RoleAssistant
}

// AddUserPrompt appends a user turn with a text prompt and optional
// image blocks.
func (h *History) AddUserPrompt(text string, images ...models.ImageBlock) error {
	blocks := []models.UserBlock{{Text: &models.TextBlock{Text: text}}}
	for i := range images {
		img := images[i]
		blocks = append(blocks, models.UserBlock{Image: &img})
	}
	return h.AddUserTurn(blocks)
}

// AddUserTurn appends a user turn, failing when an assistant turn is
// expected next.
func (h *History) AddUserTurn(blocks []models.UserBlock) error {
	if h.nextRole() != models.RoleUser {
		return fmt.Errorf("%w: expected assistant turn at position %d", ErrWrongTurn, len(h.turns))
	}
	h.turns = append(h.turns, models.Turn{Role: models.RoleUser, UserBlocks: blocks})
	return nil
}

// AddAssistantTurn appends an assistant turn, failing when a user turn
// is expected next.
func (h *History) AddAssistantTurn(blocks []models.AssistantBlock) error {
	if h.nextRole() != models.RoleAssistant {
		return fmt.Errorf("%w: expected user turn at position %d", ErrWrongTurn, len(h.turns))
	}
	h.turns = append(h.turns, models.Turn{Role: models.RoleAssistant, AssistantBlocks: blocks})
	return nil
}

// AddToolCallResult appends one tool result as a user turn. The call
// must appear in the immediately preceding assistant turn.
func (h *History) AddToolCallResult(call models.ToolCall, result *models.ToolOutput) error {
	return h.AddToolCallResults([]models.ToolCall{call}, []*models.ToolOutput{result})
}

// AddToolCallResults appends several tool results as one user turn,
// pairing calls[i] with results[i].
func (h *History) AddToolCallResults(calls []models.ToolCall, results []*models.ToolOutput) error {
	if len(calls) != len(results) {
		return fmt.Errorf("mismatched calls (%d) and results (%d)", len(calls), len(results))
	}
	pending := make(map[string]struct{})
	for _, tc := range h.lastAssistantToolCalls() {
		pending[tc.ID] = struct{}{}
	}

	blocks := make([]models.UserBlock, 0, len(calls))
	for i, call := range calls {
		if _, ok := pending[call.ID]; !ok {
			return fmt.Errorf("%w: %s (%s)", ErrUnknownToolCall, call.ID, call.Name)
		}
		output := results[i].Output
		if results[i].IsError && output == "" {
			output = "Error: tool failed"
		}
		blocks = append(blocks, models.UserBlock{ToolResult: &models.ToolResultBlock{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     output,
			IsError:    results[i].IsError,
		}})
	}
	return h.AddUserTurn(blocks)
}

// lastAssistantToolCalls returns the tool calls of the last turn iff
// it is an assistant turn.
func (h *History) lastAssistantToolCalls() []models.ToolCall {
	if len(h.turns) == 0 {
		return nil
	}
	last := h.turns[len(h.turns)-1]
	if last.Role != models.RoleAssistant {
		return nil
	}
	return last.ToolCalls()
}

// PendingToolCalls returns the deduplicated tool calls of the last
// assistant turn, empty when the last turn is a user turn. The
// duplicate key is (name, canonicalized input); nested arrays and
// objects canonicalize recursively, and inputs that fail to
// canonicalize fall back to a stringified key but are still included.
func (h *History) PendingToolCalls() []models.ToolCall {
	calls := h.lastAssistantToolCalls()
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		key := call.Name + "\x00" + canonicalInputKey(call.Input)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, call)
	}
	return out
}

// canonicalInputKey reserializes a JSON value with sorted object keys,
// recursing through nested arrays and objects. Unparseable input uses
// its raw string form.
func canonicalInputKey(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// LastAssistantText returns the concatenated text of the most recent
// assistant turn, empty when none exists.
func (h *History) LastAssistantText() string {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == models.RoleAssistant {
			return h.turns[i].AssistantText()
		}
	}
	return ""
}

// Len returns the number of turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Clear drops the whole transcript.
func (h *History) Clear() {
	h.turns = nil
}

// Messages returns a snapshot copy of the transcript.
func (h *History) Messages() []models.Turn {
	out := make([]models.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Replace swaps the transcript for a truncated one produced by the
// context manager.
func (h *History) Replace(turns []models.Turn) {
	h.turns = turns
}
