// Package agent implements the per-connection agent runtime: the turn
// loop that queries a model, dispatches the tool calls it requests,
// manages context truncation, and emits events to the session stream.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/pkg/models"
)

// ErrDuplicateTool is returned when two tools share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Tool is one action the model can request. Invocation is synchronous
// from the runtime's view; implementations may use any concurrency
// internally but must return when done, errored or not.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Errors become formatted error results;
	// they never abort the run.
	Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error)
}

// TerminalTool marks tools whose successful invocation ends the run.
// The output's FinalAnswer becomes the agent's response.
type TerminalTool interface {
	Tool
	Terminal() bool
}

// Registry holds the agent's tool set. It is immutable once the agent
// is constructed; names are unique.
type Registry struct {
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds a registry, rejecting duplicate names and
// compiling each tool's input schema for validation.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, tool := range tools {
		name := tool.Name()
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		r.tools[name] = tool
		r.order = append(r.order, name)

		schema, err := compileSchema(name, tool.Schema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		r.schemas[name] = schema
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return schema, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs returns the tool set serialized for the provider, in
// registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

// Validate checks input against the tool's compiled schema. Inputs for
// tools without a schema always pass.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	schema := r.schemas[name]
	if schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("tool input does not match schema: %w", err)
	}
	return nil
}

// Execute validates and runs a tool by name. Missing tools and
// validation failures come back as error-flagged outputs, not Go
// errors, so the model can react to them.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) *models.ToolOutput {
	tool, ok := r.tools[name]
	if !ok {
		return &models.ToolOutput{Output: "Error: tool not found: " + name, IsError: true}
	}
	if err := r.Validate(name, input); err != nil {
		return &models.ToolOutput{Output: "Error: " + err.Error(), IsError: true}
	}
	out, err := tool.Execute(ctx, input)
	if err != nil {
		return &models.ToolOutput{Output: "Error: " + err.Error(), IsError: true}
	}
	if out == nil {
		out = &models.ToolOutput{}
	}
	return out
}

// IsTerminal reports whether a tool marks itself terminal.
func IsTerminal(tool Tool) bool {
	if t, ok := tool.(TerminalTool); ok {
		return t.Terminal()
	}
	return false
}
