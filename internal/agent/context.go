package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomworks/loom/internal/workspace"
	"github.com/loomworks/loom/pkg/models"
)

// ContextStrategy selects how over-budget transcripts are truncated.
type ContextStrategy string

const (
	// StrategyStandard drops middle turns in memory.
	StrategyStandard ContextStrategy = "standard"

	// StrategyFileSpill writes evicted turns to workspace files before
	// dropping them from the live transcript.
	StrategyFileSpill ContextStrategy = "file-spill"
)

// perMessageOverhead approximates the tokens each message costs beyond
// its content.
const perMessageOverhead = 3

// imageTokenEstimate is the flat cost charged per image block.
const imageTokenEstimate = 1100

// ContextManager counts tokens and truncates the transcript to fit the
// budget, preserving the first user turn and the last assistant+user
// pair.
type ContextManager struct {
	budget   int
	strategy ContextStrategy
	ws       *workspace.Workspace
	enc      *tiktoken.Tiktoken
	logger   *slog.Logger

	spilled int
}

// NewContextManager builds a manager. ws is required for the
// file-spill strategy and ignored otherwise. The tokenizer falls back
// to a bytes/4 estimate when the encoding cannot be loaded.
func NewContextManager(budget int, strategy ContextStrategy, ws *workspace.Workspace, logger *slog.Logger) *ContextManager {
	if budget <= 0 {
		budget = 120000
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("failed to load tokenizer, falling back to byte estimate", "error", err)
		enc = nil
	}
	if strategy != StrategyFileSpill {
		strategy = StrategyStandard
	}
	return &ContextManager{
		budget:   budget,
		strategy: strategy,
		ws:       ws,
		enc:      enc,
		logger:   logger,
	}
}

// CountTokens estimates the token footprint of a transcript.
func (m *ContextManager) CountTokens(turns []models.Turn) int {
	total := 0
	for i := range turns {
		total += m.countTurn(&turns[i])
	}
	return total
}

func (m *ContextManager) countTurn(turn *models.Turn) int {
	count := perMessageOverhead
	for _, b := range turn.AssistantBlocks {
		switch {
		case b.Text != nil:
			count += m.countText(b.Text.Text)
		case b.ToolCall != nil:
			count += m.countText(b.ToolCall.Name) + m.countText(string(b.ToolCall.Input))
		}
	}
	for _, b := range turn.UserBlocks {
		switch {
		case b.Text != nil:
			count += m.countText(b.Text.Text)
		case b.ToolResult != nil:
			count += m.countText(b.ToolResult.Output)
		case b.Image != nil:
			count += imageTokenEstimate
		}
	}
	return count
}

func (m *ContextManager) countText(text string) int {
	if m.enc != nil {
		return len(m.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// ApplyTruncationIfNeeded returns a transcript that fits the budget.
// Turns are evicted pairwise from the middle (oldest first) so role
// alternation survives; the first user turn and the last
// assistant+user pair are never evicted. The caller must replace its
// history with the returned list.
func (m *ContextManager) ApplyTruncationIfNeeded(turns []models.Turn) ([]models.Turn, error) {
	if m.CountTokens(turns) <= m.budget || len(turns) <= 3 {
		return turns, nil
	}

	// start is the index of the first surviving middle turn. Everything
	// in [1, start) is evicted.
	start := 1
	for start < len(turns)-2 {
		kept := make([]models.Turn, 0, 1+len(turns)-start)
		kept = append(kept, turns[0])
		kept = append(kept, turns[start:]...)
		if m.CountTokens(kept) <= m.budget {
			break
		}
		start += 2
	}
	if start > len(turns)-2 {
		start = len(turns) - 2
	}

	if m.strategy == StrategyFileSpill {
		for i := 1; i < start; i++ {
			if err := m.spillTurn(i, &turns[i]); err != nil {
				m.logger.Warn("failed to spill truncated turn to workspace",
					"turn_index", i, "error", err)
			}
		}
	}

	m.logger.Info("truncated transcript to fit token budget",
		"evicted_turns", start-1, "remaining_turns", 1+len(turns)-start, "budget", m.budget)

	kept := make([]models.Turn, 0, 1+len(turns)-start)
	kept = append(kept, turns[0])
	kept = append(kept, turns[start:]...)
	return kept, nil
}

// spillTurn writes one evicted turn to the workspace, named by its
// index at eviction time.
func (m *ContextManager) spillTurn(index int, turn *models.Turn) error {
	if m.ws == nil {
		return fmt.Errorf("file-spill strategy requires a workspace")
	}
	data, err := json.MarshalIndent(turn, "", "  ")
	if err != nil {
		return err
	}
	m.spilled++
	return m.ws.WriteFile(fmt.Sprintf("truncated_turn_%d.json", index), data)
}
