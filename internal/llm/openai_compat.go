package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomworks/loom/pkg/models"
)

// ToolMode selects how tool calling is presented to the model.
type ToolMode int

const (
	// ToolModeNative uses the provider's structured tool_calls API.
	ToolModeNative ToolMode = iota

	// ToolModeEmulated instructs the model to emit fenced JSON that is
	// parsed out of the text response.
	ToolModeEmulated
)

// OpenAICompatProvider serves any OpenAI-compatible chat completion
// endpoint. It backs the chutes, openrouter, and moonshot routes;
// only the base URL, key, and capability flags differ.
type OpenAICompatProvider struct {
	client *openai.Client
	name   string
	vision bool
	logger *slog.Logger
}

// NewOpenAICompatProvider builds a provider against baseURL. name is
// the route identifier used in logs and error classification. timeout
// bounds each HTTP call; zero leaves the call unbounded.
func NewOpenAICompatProvider(name, apiKey, baseURL string, vision bool, timeout time.Duration, logger *slog.Logger) *OpenAICompatProvider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OpenAICompatProvider{
		client: openai.NewClientWithConfig(cfg),
		name:   name,
		vision: vision,
		logger: logger,
	}
}

// Name implements Provider.
func (p *OpenAICompatProvider) Name() string { return p.name }

// SupportsNativeTools implements Provider.
func (p *OpenAICompatProvider) SupportsNativeTools() bool { return true }

// SupportsVision implements Provider.
func (p *OpenAICompatProvider) SupportsVision() bool { return p.vision }

// Generate implements Provider in native tool mode.
func (p *OpenAICompatProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return p.GenerateWithMode(ctx, req, ToolModeNative)
}

// GenerateWithMode performs one chat completion using the given tool
// mode. Emulated mode renders tools into the system prompt and parses
// at most one JSON tool call out of the response text.
func (p *OpenAICompatProvider) GenerateWithMode(ctx context.Context, req *Request, mode ToolMode) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	system := req.System
	if mode == ToolModeEmulated && len(req.Tools) > 0 {
		if system != "" {
			system += "\n\n"
		}
		system += EmulationInstruction(req.Tools)
	}

	if mode == ToolModeNative {
		chatReq.Messages = convertChatMessages(req.Messages, system)
		if len(req.Tools) > 0 {
			chatReq.Tools = convertChatTools(req.Tools)
			if req.ToolChoice != "" {
				chatReq.ToolChoice = convertChatToolChoice(req.ToolChoice)
			}
		}
	} else {
		messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
		if system != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
		}
		for _, msg := range flattenForEmulation(req.Messages) {
			messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		}
		chatReq.Messages = messages
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, req.Model, errors.New("response contained no choices")).WithKind(KindMalformedResponse)
	}

	choice := resp.Choices[0].Message
	var blocks []models.AssistantBlock

	if mode == ToolModeEmulated && len(req.Tools) > 0 {
		id, name, args, cleaned, found := ExtractToolCall(choice.Content)
		if cleaned != "" {
			blocks = append(blocks, models.AssistantBlock{Text: &models.TextBlock{Text: cleaned}})
		}
		if found {
			blocks = append(blocks, models.AssistantBlock{ToolCall: &models.ToolCall{ID: id, Name: name, Input: args}})
		}
	} else {
		if choice.Content != "" {
			blocks = append(blocks, models.AssistantBlock{Text: &models.TextBlock{Text: choice.Content}})
		}
		for _, tc := range choice.ToolCalls {
			blocks = append(blocks, models.AssistantBlock{ToolCall: &models.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: p.normalizeToolInput(tc.Function.Name, tc.Function.Arguments),
			}})
		}
	}

	return &Response{
		Blocks:       blocks,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        req.Model,
		Provider:     p.name,
	}, nil
}

// normalizeToolInput parses string tool arguments as JSON; anything
// unparseable is wrapped so downstream code always sees valid JSON.
func (p *OpenAICompatProvider) normalizeToolInput(toolName, raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	p.logger.Warn("tool arguments were not valid JSON, wrapping as string",
		"provider", p.name, "tool", toolName)
	wrapped, err := json.Marshal(map[string]string{"arguments": raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

func (p *OpenAICompatProvider) wrapError(err error, model string) *ProviderError {
	pe := NewProviderError(p.name, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.HTTPStatusCode)
		// Bad requests carry the context-length and tools-unsupported
		// phrases in the message; keep the message-based kind for those.
		if kind := ClassifyError(err); kind == KindContextLength || kind == KindToolsUnsupported {
			pe = pe.WithKind(kind)
		}
	}
	return pe
}

func convertChatMessages(turns []models.Turn, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, block := range turn.AssistantBlocks {
				switch {
				case block.Text != nil:
					msg.Content += block.Text.Text
				case block.ToolCall != nil:
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   block.ToolCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.ToolCall.Name,
							Arguments: string(block.ToolCall.Input),
						},
					})
				}
			}
			result = append(result, msg)
		case models.RoleUser:
			var textParts []openai.ChatMessagePart
			var plain string
			hasImages := false
			for _, block := range turn.UserBlocks {
				switch {
				case block.Text != nil:
					plain += block.Text.Text
					textParts = append(textParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: block.Text.Text,
					})
				case block.Image != nil:
					hasImages = true
					textParts = append(textParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", block.Image.MediaType, block.Image.Data),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				case block.ToolResult != nil:
					// Tool results become separate role "tool" messages.
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.ToolResult.Output,
						ToolCallID: block.ToolResult.ToolCallID,
					})
				}
			}
			if hasImages {
				result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: textParts})
			} else if plain != "" {
				result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: plain})
			}
		}
	}
	return result
}

// convertChatToolChoice maps a tool choice onto the chat API: the
// auto/none/required keywords pass through, "any" maps to "required",
// and anything else names a specific tool.
func convertChatToolChoice(choice string) any {
	switch choice {
	case "auto", "none", "required":
		return choice
	case "any":
		return "required"
	default:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice},
		}
	}
}

func convertChatTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
