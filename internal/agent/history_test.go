package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func TestHistoryAlternationEnforced(t *testing.T) {
	h := NewHistory()

	// Assistant cannot open the conversation.
	err := h.AddAssistantTurn([]models.AssistantBlock{{Text: &models.TextBlock{Text: "hi"}}})
	assert.ErrorIs(t, err, ErrWrongTurn)

	require.NoError(t, h.AddUserPrompt("hello"))

	// Two user turns in a row fail.
	err = h.AddUserTurn([]models.UserBlock{{Text: &models.TextBlock{Text: "again"}}})
	assert.ErrorIs(t, err, ErrWrongTurn)

	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{{Text: &models.TextBlock{Text: "hi there"}}}))
	assert.Equal(t, 2, h.Len())
}

func TestPendingToolCallsEmptyAfterUserTurn(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("question"))
	assert.Empty(t, h.PendingToolCalls())

	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{ToolCall: &models.ToolCall{ID: "c1", Name: "calculate", Input: json.RawMessage(`{"expression":"1+1"}`)}},
	}))
	assert.Len(t, h.PendingToolCalls(), 1)

	require.NoError(t, h.AddToolCallResult(
		models.ToolCall{ID: "c1", Name: "calculate", Input: json.RawMessage(`{"expression":"1+1"}`)},
		&models.ToolOutput{Output: "2"},
	))
	assert.Empty(t, h.PendingToolCalls(), "pending calls after a user turn must be empty")
}

func TestPendingToolCallsDeduplicates(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("go"))
	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{ToolCall: &models.ToolCall{ID: "a", Name: "web_search", Input: json.RawMessage(`{"query":"x"}`)}},
		{ToolCall: &models.ToolCall{ID: "b", Name: "web_search", Input: json.RawMessage(`{"query": "x"}`)}},
		{ToolCall: &models.ToolCall{ID: "c", Name: "web_search", Input: json.RawMessage(`{"query":"y"}`)}},
	}))

	pending := h.PendingToolCalls()
	require.Len(t, pending, 2, "identical (name, input) pairs collapse")
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)
}

func TestPendingToolCallsHandlesArrayInput(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("present"))
	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{ToolCall: &models.ToolCall{ID: "a", Name: "create_presentation", Input: json.RawMessage(`["a",{"k":"v"},"b"]`)}},
		{ToolCall: &models.ToolCall{ID: "b", Name: "create_presentation", Input: json.RawMessage(`["a", {"k": "v"}, "b"]`)}},
	}))

	pending := h.PendingToolCalls()
	require.Len(t, pending, 1, "array inputs dedupe without panicking")
	assert.Equal(t, "a", pending[0].ID)
}

func TestPendingToolCallsKeepsUnparseableInput(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("go"))
	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{ToolCall: &models.ToolCall{ID: "a", Name: "odd_tool", Input: json.RawMessage(`{broken`)}},
	}))

	pending := h.PendingToolCalls()
	require.Len(t, pending, 1, "unparseable input falls back to a stringified key")
}

func TestToolResultMustMatchPendingCall(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("go"))
	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{ToolCall: &models.ToolCall{ID: "c1", Name: "calculate", Input: json.RawMessage(`{}`)}},
	}))

	err := h.AddToolCallResult(
		models.ToolCall{ID: "wrong-id", Name: "calculate"},
		&models.ToolOutput{Output: "2"},
	)
	assert.ErrorIs(t, err, ErrUnknownToolCall)
}

func TestLastAssistantTextAndClear(t *testing.T) {
	h := NewHistory()
	assert.Empty(t, h.LastAssistantText())

	require.NoError(t, h.AddUserPrompt("q"))
	require.NoError(t, h.AddAssistantTurn([]models.AssistantBlock{
		{Text: &models.TextBlock{Text: "part one. "}},
		{Text: &models.TextBlock{Text: "part two."}},
	}))
	assert.Equal(t, "part one. part two.", h.LastAssistantText())

	h.Clear()
	assert.Zero(t, h.Len())
	assert.Empty(t, h.LastAssistantText())
}

func TestMessagesReturnsSnapshot(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AddUserPrompt("q"))

	snapshot := h.Messages()
	require.Len(t, snapshot, 1)
	snapshot[0] = models.AssistantTextTurn("mutated")
	assert.Equal(t, models.RoleUser, h.Messages()[0].Role, "snapshot mutation must not affect history")
}
