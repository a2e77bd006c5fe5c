package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/pkg/models"
)

// AnthropicProvider serves Claude models through the official SDK.
// Native tool calling and vision are always available; premium gating
// happens upstream in the agent runtime via the credit ledger.
//
// The provider is stateless across calls and safe for concurrent use.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider from an API key. timeout
// bounds each HTTP call; zero leaves the SDK default in place.
func NewAnthropicProvider(apiKey string, timeout time.Duration, opts ...option.RequestOption) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if timeout > 0 {
		options = append(options, option.WithRequestTimeout(timeout))
	}
	options = append(options, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(options...)}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportsNativeTools implements Provider.
func (p *AnthropicProvider) SupportsNativeTools() bool { return true }

// SupportsVision implements Provider.
func (p *AnthropicProvider) SupportsVision() bool { return true }

// Generate implements Provider with a single non-streaming call.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err).WithKind(KindFatal)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, NewProviderError(p.Name(), req.Model, err).WithKind(KindFatal)
		}
		params.Tools = tools
		if req.ToolChoice != "" {
			params.ToolChoice = convertAnthropicToolChoice(req.ToolChoice)
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	var blocks []models.AssistantBlock
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, models.AssistantBlock{Text: &models.TextBlock{Text: block.Text}})
			}
		case "tool_use":
			blocks = append(blocks, models.AssistantBlock{ToolCall: &models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			}})
		}
	}

	return &Response{
		Blocks:       blocks,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) *ProviderError {
	pe := NewProviderError(p.Name(), model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.StatusCode)
	}
	return pe
}

func convertAnthropicMessages(turns []models.Turn) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, turn := range turns {
		var content []anthropic.ContentBlockParamUnion

		switch turn.Role {
		case models.RoleAssistant:
			for _, block := range turn.AssistantBlocks {
				switch {
				case block.Text != nil:
					content = append(content, anthropic.NewTextBlock(block.Text.Text))
				case block.ToolCall != nil:
					var input any
					if err := json.Unmarshal(block.ToolCall.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", block.ToolCall.Name, err)
					}
					content = append(content, anthropic.NewToolUseBlock(block.ToolCall.ID, input, block.ToolCall.Name))
				}
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}
		case models.RoleUser:
			for _, block := range turn.UserBlocks {
				switch {
				case block.Text != nil:
					content = append(content, anthropic.NewTextBlock(block.Text.Text))
				case block.Image != nil:
					content = append(content, anthropic.NewImageBlockBase64(block.Image.MediaType, block.Image.Data))
				case block.ToolResult != nil:
					content = append(content, anthropic.NewToolResultBlock(block.ToolResult.ToolCallID, block.ToolResult.Output, block.ToolResult.IsError))
				}
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewUserMessage(content...))
			}
		}
	}
	return result, nil
}

// convertAnthropicToolChoice maps a tool choice onto the messages API:
// auto/any/none keywords ("required" is an alias for "any"), anything
// else names a specific tool.
func convertAnthropicToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "auto":
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "any", "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "none":
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}
	default:
		return anthropic.ToolChoiceParamOfTool(choice)
	}
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
