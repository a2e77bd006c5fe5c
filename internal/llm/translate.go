package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
)

// RenderToolCallText renders a prior assistant tool call as plain text
// for models that have no native memory of tool calls.
func RenderToolCallText(name string, input json.RawMessage) string {
	return fmt.Sprintf("I'll use the %s tool with these parameters: %s", name, prettyJSON(input))
}

// RenderToolResultText renders a tool result as a user-side text block.
func RenderToolResultText(name, output string) string {
	return fmt.Sprintf("Tool result from %s:\n%s", name, output)
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// chatText is one flattened text message for emulated tool calling.
type chatText struct {
	Role    string
	Content string
}

// flattenForEmulation renders the transcript as plain user/assistant
// text: tool calls become first-person assistant sentences and tool
// results become user text, so the model keeps context without native
// tool roles.
func flattenForEmulation(turns []models.Turn) []chatText {
	var out []chatText
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleAssistant:
			var parts []string
			for _, block := range turn.AssistantBlocks {
				switch {
				case block.Text != nil:
					parts = append(parts, block.Text.Text)
				case block.ToolCall != nil:
					parts = append(parts, RenderToolCallText(block.ToolCall.Name, block.ToolCall.Input))
				}
			}
			if len(parts) > 0 {
				out = append(out, chatText{Role: "assistant", Content: strings.Join(parts, "\n\n")})
			}
		case models.RoleUser:
			var parts []string
			for _, block := range turn.UserBlocks {
				switch {
				case block.Text != nil:
					parts = append(parts, block.Text.Text)
				case block.ToolResult != nil:
					parts = append(parts, RenderToolResultText(block.ToolResult.ToolName, block.ToolResult.Output))
				case block.Image != nil:
					parts = append(parts, "[image attached]")
				}
			}
			if len(parts) > 0 {
				out = append(out, chatText{Role: "user", Content: strings.Join(parts, "\n\n")})
			}
		}
	}
	return out
}
