package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// CalculateTool evaluates arithmetic expressions.
type CalculateTool struct{}

func (CalculateTool) Name() string { return "calculate" }

func (CalculateTool) Description() string {
	return "Evaluate an arithmetic expression with +, -, *, /, parentheses, and decimal numbers."
}

func (CalculateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "description": "The arithmetic expression to evaluate"}
		},
		"required": ["expression"]
	}`)
}

func (CalculateTool) Execute(_ context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	value, err := evalExpression(params.Expression)
	if err != nil {
		return nil, err
	}
	return &models.ToolOutput{
		Output:  formatNumber(value),
		Message: fmt.Sprintf("%s = %s", params.Expression, formatNumber(value)),
	}, nil
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// evalExpression is a small recursive descent evaluator.
type exprParser struct {
	input string
	pos   int
}

func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character at position %d", p.pos)
	}
	return value, nil
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '+':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpaces()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// BashTool runs shell commands inside the session workspace. The
// connection manager also reaches for it directly to serve terminal
// command frames.
type BashTool struct {
	// WorkDir is the session workspace directory commands run in.
	WorkDir string

	// Timeout bounds one command. Zero means 2 minutes.
	Timeout time.Duration
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the session workspace and return its combined output."
}

func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run"}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = t.WorkDir
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		return &models.ToolOutput{
			Output:  fmt.Sprintf("Error: %v\n%s", err, output),
			IsError: true,
		}, nil
	}
	return &models.ToolOutput{Output: output}, nil
}

// SequentialThinkingTool lets the model externalize step-by-step
// reasoning. It records nothing; the value is the thought appearing in
// the transcript.
type SequentialThinkingTool struct{}

func (SequentialThinkingTool) Name() string { return "sequential_thinking" }

func (SequentialThinkingTool) Description() string {
	return "Think through a problem step by step. Each call records one numbered thought."
}

func (SequentialThinkingTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"thought": {"type": "string", "description": "The current thinking step"},
			"thoughtNumber": {"type": "integer", "minimum": 1},
			"totalThoughts": {"type": "integer", "minimum": 1},
			"nextThoughtNeeded": {"type": "boolean"},
			"isRevision": {"type": "boolean"},
			"revisesThought": {"type": "integer"}
		},
		"required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
	}`)
}

func (SequentialThinkingTool) Execute(_ context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var params struct {
		Thought           string `json:"thought"`
		ThoughtNumber     int    `json:"thoughtNumber"`
		TotalThoughts     int    `json:"totalThoughts"`
		NextThoughtNeeded bool   `json:"nextThoughtNeeded"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	status := "continue thinking"
	if !params.NextThoughtNeeded {
		status = "thinking complete"
	}
	return &models.ToolOutput{
		Output: fmt.Sprintf("Thought %d/%d recorded (%s).", params.ThoughtNumber, params.TotalThoughts, status),
		Metadata: map[string]any{
			"thought":             params.Thought,
			"thought_number":      params.ThoughtNumber,
			"total_thoughts":      params.TotalThoughts,
			"next_thought_needed": params.NextThoughtNeeded,
		},
	}, nil
}
