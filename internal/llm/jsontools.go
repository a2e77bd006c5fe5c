package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// emulatedCall is the wire shape the model is instructed to emit when
// the provider has no native tool calling.
type emulatedCall struct {
	ToolCall struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_call"`
}

// EmulationInstruction builds the system-level instruction describing
// the JSON tool-call protocol for models without native tool support.
func EmulationInstruction(tools []ToolSpec) string {
	var b strings.Builder
	b.WriteString("You can use tools by responding with a JSON object in this exact format:\n\n")
	b.WriteString("```json\n{\"tool_call\": {\"id\": \"call_1\", \"name\": \"<tool name>\", \"arguments\": {<tool input>}}}\n```\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Emit at most ONE tool call per response.\n")
	b.WriteString("- Never repeat a tool call you already made with identical arguments.\n")
	b.WriteString("- Only the tool names listed below are valid; any other name is ignored.\n")
	b.WriteString("- For sequential_thinking, the optional fields may be omitted; always include thought, thoughtNumber, totalThoughts, and nextThoughtNeeded.\n")
	b.WriteString("\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s: %s\n  input schema: %s\n", t.Name, t.Description, string(t.Schema))
	}
	return b.String()
}

var emptyFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*```")

// ExtractToolCall scans text for a JSON tool call matching the
// emulated schema. Truncated objects are repaired by balancing braces.
// It returns the parsed call, the text with the JSON substring
// stripped, and whether a call was found. At most one call is
// extracted; any further matches stay in the text untouched.
func ExtractToolCall(text string) (id, name string, args json.RawMessage, cleaned string, found bool) {
	offset := 0
	for {
		idx := strings.Index(text[offset:], `"tool_call"`)
		if idx < 0 {
			return "", "", nil, text, false
		}
		idx += offset

		start := strings.LastIndexByte(text[:idx], '{')
		if start < 0 {
			offset = idx + 1
			continue
		}

		raw, end := balancedObject(text, start)
		var call emulatedCall
		if err := json.Unmarshal([]byte(raw), &call); err != nil || call.ToolCall.Name == "" {
			offset = idx + 1
			continue
		}

		id = call.ToolCall.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		args = call.ToolCall.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}

		cleaned = text[:start] + text[end:]
		cleaned = emptyFenceRe.ReplaceAllString(cleaned, "")
		cleaned = strings.TrimSpace(cleaned)
		return id, call.ToolCall.Name, args, cleaned, true
	}
}

// balancedObject extracts the JSON object starting at start. If the
// text ends before the braces balance, the missing closers are
// appended so truncated model output still parses. end is the index
// just past the consumed input.
func balancedObject(text string, start int) (raw string, end int) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1
			}
		}
	}
	// Truncated: close any open string and balance the braces.
	raw = text[start:]
	if inString {
		raw += `"`
	}
	raw += strings.Repeat("}", depth)
	return raw, len(text)
}
