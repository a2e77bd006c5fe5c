package llm

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/models"
)

func assistantToolCallTurn(name string, input string) models.Turn {
	return models.Turn{
		Role: models.RoleAssistant,
		AssistantBlocks: []models.AssistantBlock{
			{ToolCall: &models.ToolCall{ID: "c1", Name: name, Input: json.RawMessage(input)}},
		},
	}
}

func TestSequentialThinkingBlockedOnThirdCall(t *testing.T) {
	var detector LoopDetector
	var history []models.Turn

	for n := 1; n <= 2; n++ {
		input := fmt.Sprintf(`{"thought":"t","nextThoughtNeeded":true,"thoughtNumber":%d,"totalThoughts":3}`, n)
		call := models.ToolCall{Name: "sequential_thinking", Input: json.RawMessage(input)}
		assert.False(t, detector.Blocked(history, call), "call %d should pass", n)
		history = append(history, assistantToolCallTurn("sequential_thinking", input))
		history = append(history, models.UserTextTurn("result"))
	}

	third := models.ToolCall{Name: "sequential_thinking",
		Input: json.RawMessage(`{"thought":"t","nextThoughtNeeded":true,"thoughtNumber":3,"totalThoughts":3}`)}
	assert.True(t, detector.Blocked(history, third), "third sequential_thinking call must be blocked")
}

func TestWebSearchBlockedOnRepeatedIdenticalArgs(t *testing.T) {
	var detector LoopDetector
	var history []models.Turn

	// Three distinct searches: fine.
	for i := 0; i < 3; i++ {
		input := fmt.Sprintf(`{"query":"topic %d"}`, i)
		call := models.ToolCall{Name: "web_search", Input: json.RawMessage(input)}
		assert.False(t, detector.Blocked(history, call))
		history = append(history, assistantToolCallTurn("web_search", input))
	}

	// Fourth occurrence with arguments identical to an earlier call: blocked.
	dup := models.ToolCall{Name: "web_search", Input: json.RawMessage(`{"query":"topic 1"}`)}
	assert.True(t, detector.Blocked(history, dup))

	// Fourth occurrence with fresh arguments: allowed.
	fresh := models.ToolCall{Name: "web_search", Input: json.RawMessage(`{"query":"something new"}`)}
	assert.False(t, detector.Blocked(history, fresh))

	// Fifth occurrence is blocked regardless of arguments.
	history = append(history, assistantToolCallTurn("web_search", `{"query":"something new"}`))
	fifth := models.ToolCall{Name: "web_search", Input: json.RawMessage(`{"query":"yet another"}`)}
	assert.True(t, detector.Blocked(history, fifth))
}

func TestOtherToolsBlockedAtThree(t *testing.T) {
	var detector LoopDetector
	var history []models.Turn

	for i := 0; i < 2; i++ {
		input := fmt.Sprintf(`{"path":"f%d.txt"}`, i)
		call := models.ToolCall{Name: "read_file", Input: json.RawMessage(input)}
		assert.False(t, detector.Blocked(history, call))
		history = append(history, assistantToolCallTurn("read_file", input))
	}

	third := models.ToolCall{Name: "read_file", Input: json.RawMessage(`{"path":"f2.txt"}`)}
	assert.True(t, detector.Blocked(history, third))
}

func TestDetectorHandlesArrayInput(t *testing.T) {
	var detector LoopDetector
	history := []models.Turn{
		assistantToolCallTurn("web_search", `["a",{"k":"v"},"b"]`),
		assistantToolCallTurn("web_search", `["a", {"k": "v"}, "b"]`),
		assistantToolCallTurn("web_search", `{"query":"x"}`),
	}

	// Whitespace differences do not defeat identical-pair detection.
	dup := models.ToolCall{Name: "web_search", Input: json.RawMessage(`["a",{"k":"v"},"b"]`)}
	assert.True(t, detector.Blocked(history, dup))
}

func TestWindowOnlyCoversRecentMessages(t *testing.T) {
	var detector LoopDetector
	var history []models.Turn

	// Two old occurrences pushed out of the 8-message window by newer turns.
	history = append(history, assistantToolCallTurn("read_file", `{"path":"old"}`))
	history = append(history, assistantToolCallTurn("read_file", `{"path":"old2"}`))
	for i := 0; i < loopWindow; i++ {
		history = append(history, models.AssistantTextTurn(fmt.Sprintf("thinking %d", i)))
	}

	call := models.ToolCall{Name: "read_file", Input: json.RawMessage(`{"path":"new"}`)}
	assert.False(t, detector.Blocked(history, call))
}
