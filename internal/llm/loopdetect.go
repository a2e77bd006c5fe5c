package llm

import (
	"bytes"
	"encoding/json"

	"github.com/loomworks/loom/pkg/models"
)

// loopWindow is how many recent assistant messages the detector
// inspects.
const loopWindow = 8

// LoopDetector blocks tool calls the model keeps repeating. Counts
// include the candidate call itself, so a tool already seen twice in
// the window trips a threshold of three on its next appearance.
type LoopDetector struct{}

// Blocked reports whether call should be dropped given the transcript.
// Policy per tool:
//   - sequential_thinking: blocked at 3 total occurrences.
//   - web_search / visit_webpage: blocked at 4 occurrences when an
//     identical (name, arguments) pair repeats, unconditionally at 5.
//   - any other tool: blocked at 3 occurrences.
func (LoopDetector) Blocked(history []models.Turn, call models.ToolCall) bool {
	window := lastAssistantTurns(history, loopWindow)

	nameCount := 1
	identicalCount := 1
	callArgs := canonicalJSON(call.Input)
	for _, turn := range window {
		for _, tc := range turn.ToolCalls() {
			if tc.Name != call.Name {
				continue
			}
			nameCount++
			if bytes.Equal(canonicalJSON(tc.Input), callArgs) {
				identicalCount++
			}
		}
	}

	switch call.Name {
	case "sequential_thinking":
		return nameCount >= 3
	case "web_search", "visit_webpage":
		if nameCount >= 5 {
			return true
		}
		return nameCount >= 4 && identicalCount >= 2
	default:
		return nameCount >= 3
	}
}

// lastAssistantTurns returns up to n most recent assistant turns,
// oldest first.
func lastAssistantTurns(history []models.Turn, n int) []models.Turn {
	var out []models.Turn
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == models.RoleAssistant {
			out = append(out, history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// canonicalJSON reserializes a JSON value with sorted object keys so
// byte comparison reflects structural equality. Unparseable input is
// compared raw.
func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
