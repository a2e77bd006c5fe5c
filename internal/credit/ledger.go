// Package credit implements monthly Pro credit accounting per key and
// per model cost.
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/store"
)

// Model credit costs. Unknown premium models default to the Sonnet cost.
const (
	CostSonnet         = 1
	CostOpus           = 4
	CostOpenRouterPro  = 0
	CostDefaultPremium = 1
)

// openRouterProModels are premium-routed models that consume no credits.
var openRouterProModels = map[string]struct{}{
	"openai/gpt-4o":               {},
	"openai/gpt-4o-mini":          {},
	"google/gemini-2.5-pro":       {},
	"x-ai/grok-4":                 {},
	"deepseek/deepseek-chat-v3.1": {},
}

// ModelCost returns the credit cost of one request against a model.
func ModelCost(model string) int {
	lower := strings.ToLower(model)
	if _, ok := openRouterProModels[lower]; ok {
		return CostOpenRouterPro
	}
	switch {
	case strings.Contains(lower, "opus"):
		return CostOpus
	case strings.Contains(lower, "sonnet"):
		return CostSonnet
	default:
		return CostDefaultPremium
	}
}

// TrackResult reports the outcome of one credit charge attempt.
type TrackResult struct {
	Allowed          bool `json:"allowed"`
	CurrentUsage     int  `json:"current_usage"`
	LimitReached     bool `json:"limit_reached"`
	WarningThreshold bool `json:"warning_threshold"`
	UseFallback      bool `json:"use_fallback"`
}

// UsageReport summarizes one key's consumption for the current month.
type UsageReport struct {
	Month       string `json:"month"`
	CreditsUsed int    `json:"credits_used"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
}

// Ledger enforces the monthly credit budget. All mutation happens in a
// single store transaction per Track call.
type Ledger struct {
	usage            store.ProUsageStore
	monthlyLimit     int
	warningThreshold int
	logger           *slog.Logger

	// now is swapped in tests to pin the month.
	now func() time.Time
}

// NewLedger wires a ledger around the usage store.
func NewLedger(usage store.ProUsageStore, monthlyLimit, warningThreshold int, logger *slog.Logger) *Ledger {
	if monthlyLimit <= 0 {
		monthlyLimit = 1000
	}
	if warningThreshold <= 0 {
		warningThreshold = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		usage:            usage,
		monthlyLimit:     monthlyLimit,
		warningThreshold: warningThreshold,
		logger:           logger,
		now:              time.Now,
	}
}

// currentMonth formats the ledger month key (YYYY-MM).
func (l *Ledger) currentMonth() string {
	return l.now().UTC().Format("2006-01")
}

// Track charges the cost of one request against proKey for the current
// month. Over-budget requests are not charged; the caller should swap
// to the free fallback model.
func (l *Ledger) Track(ctx context.Context, proKey, model string) (TrackResult, error) {
	cost := ModelCost(model)
	month := l.currentMonth()

	rec, allowed, err := l.usage.AddProCredits(ctx, proKey, month, cost, l.monthlyLimit)
	if err != nil {
		return TrackResult{}, fmt.Errorf("failed to track pro usage: %w", err)
	}

	result := TrackResult{
		Allowed:      allowed,
		CurrentUsage: rec.CreditsUsed,
	}
	if !allowed {
		result.LimitReached = true
		result.UseFallback = true
		l.logger.Warn("pro credit limit reached, switching to fallback model",
			"pro_key", proKey, "month", month, "credits_used", rec.CreditsUsed, "model", model)
		return result, nil
	}
	if rec.CreditsUsed >= l.warningThreshold {
		result.WarningThreshold = true
		l.logger.Warn("pro credit usage past warning threshold",
			"pro_key", proKey, "month", month, "credits_used", rec.CreditsUsed, "limit", l.monthlyLimit)
	}
	return result, nil
}

// Usage reports the current month's consumption for a key.
func (l *Ledger) Usage(ctx context.Context, proKey string) (UsageReport, error) {
	month := l.currentMonth()
	rec, err := l.usage.GetProUsage(ctx, proKey, month)
	if err != nil {
		return UsageReport{}, fmt.Errorf("failed to read pro usage: %w", err)
	}
	remaining := l.monthlyLimit - rec.CreditsUsed
	if remaining < 0 {
		remaining = 0
	}
	return UsageReport{
		Month:       month,
		CreditsUsed: rec.CreditsUsed,
		Limit:       l.monthlyLimit,
		Remaining:   remaining,
	}, nil
}
