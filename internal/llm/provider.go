// Package llm provides a provider-agnostic interface to hosted
// language models, with retries, model fallback chains, tool-call loop
// detection, and native-vs-JSON-emulated tool calling.
package llm

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/pkg/models"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	// Name is the unique tool identifier.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Schema is the JSON schema for the tool's input.
	Schema json.RawMessage `json:"input_schema"`
}

// Request contains all parameters for one model call.
type Request struct {
	// Model is the model id. The fallback chain is derived from it.
	Model string

	// System is the system prompt, kept separate from messages.
	System string

	// Messages is the conversation transcript, oldest first.
	Messages []models.Turn

	// Tools offered to the model. Empty disables tool calling.
	Tools []ToolSpec

	// ToolChoice constrains tool selection: "auto", "none", "any", or a
	// specific tool name. Empty leaves the provider default.
	ToolChoice string

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature for sampling.
	Temperature float64

	// EmulateTools requests JSON-emulated tool calling on routes that
	// support it, even when native tool calling is available.
	EmulateTools bool
}

// Response is one assistant turn plus usage metadata.
type Response struct {
	// Blocks are the assistant content blocks in response order.
	Blocks []models.AssistantBlock

	// InputTokens and OutputTokens are the usage counts reported by the
	// provider, zero when unavailable.
	InputTokens  int
	OutputTokens int

	// Model is the model that actually produced the response.
	Model string

	// Provider is the provider that served the call.
	Provider string
}

// Provider is one upstream LLM API. Implementations are stateless
// across calls and safe for concurrent use; the model is a per-call
// parameter, never a mutable field.
type Provider interface {
	// Name returns the provider identifier used for routing and logging.
	Name() string

	// Generate performs one model call and returns the assistant blocks.
	// Errors are *ProviderError so the retry ladder can classify them.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// SupportsNativeTools reports structured tool-call support.
	SupportsNativeTools() bool

	// SupportsVision reports image input support.
	SupportsVision() bool
}
