package models

import (
	"encoding/json"
)

// Role indicates who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a structured request from the model to execute a named
// action. Input is an arbitrary JSON value; callers must not assume it
// is an object (presentation inputs are sometimes arrays).
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutput is the result of a tool invocation.
type ToolOutput struct {
	Output   string         `json:"output"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// FinalAnswer is set by terminal tools to signal end of run.
	FinalAnswer string `json:"final_answer,omitempty"`
	IsError     bool   `json:"is_error,omitempty"`
}

// AssistantBlock is one element of an assistant turn: either text or a
// tool call. Exactly one of the payload fields is non-nil.
type AssistantBlock struct {
	Text     *TextBlock `json:"text,omitempty"`
	ToolCall *ToolCall  `json:"tool_call,omitempty"`
}

// UserBlock is one element of a user turn: text, an image, or a
// formatted tool result. Exactly one of the payload fields is non-nil.
type UserBlock struct {
	Text       *TextBlock       `json:"text,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// TextBlock carries plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

// ImageBlock carries base64-encoded image data for vision-capable models.
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolResultBlock is the formatted output of a tool invocation, fed
// back to the model as part of the following user turn.
type ToolResultBlock struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Turn is a single entry in the transcript. User turns carry UserBlocks,
// assistant turns carry AssistantBlocks; the other slice is nil.
type Turn struct {
	Role            Role             `json:"role"`
	UserBlocks      []UserBlock      `json:"user_blocks,omitempty"`
	AssistantBlocks []AssistantBlock `json:"assistant_blocks,omitempty"`
}

// AssistantText concatenates the text blocks of an assistant turn.
func (t *Turn) AssistantText() string {
	var out string
	for _, b := range t.AssistantBlocks {
		if b.Text != nil {
			out += b.Text.Text
		}
	}
	return out
}

// ToolCalls returns the tool calls of an assistant turn in order.
func (t *Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.AssistantBlocks {
		if b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// UserTextTurn builds a user turn with a single text block.
func UserTextTurn(text string) Turn {
	return Turn{Role: RoleUser, UserBlocks: []UserBlock{{Text: &TextBlock{Text: text}}}}
}

// AssistantTextTurn builds an assistant turn with a single text block.
func AssistantTextTurn(text string) Turn {
	return Turn{Role: RoleAssistant, AssistantBlocks: []AssistantBlock{{Text: &TextBlock{Text: text}}}}
}
