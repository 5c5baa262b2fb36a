// Package report produces the narrative performance reports written after
// positions close, and archives them.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
)

type Generator interface {
	Generate(ctx context.Context, instrument string, summaries []TradeSummary) (string, error)
}

const defaultSystemPrompt = "You review the closed trades of an automated trading strategy. Be concise and concrete."

// New picks the generator for cfg.Provider. An empty provider selects the
// local summary generator, which needs no API key.
func New(cfg config.ReportConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "summary":
		return SummaryGenerator{}, nil
	case "anthropic":
		return NewAnthropicGenerator(cfg)
	case "openai":
		return NewOpenAIGenerator(cfg)
	default:
		return nil, fmt.Errorf("report: unknown provider %q", cfg.Provider)
	}
}

// SummaryGenerator writes a fixed-format report without calling a model.
type SummaryGenerator struct{}

func (SummaryGenerator) Generate(_ context.Context, instrument string, summaries []TradeSummary) (string, error) {
	t := Count(summaries)
	total := decimal.Zero
	best, worst := decimal.Zero, decimal.Zero
	for i, s := range summaries {
		total = total.Add(s.PnL)
		if i == 0 || s.PnL.GreaterThan(best) {
			best = s.PnL
		}
		if i == 0 || s.PnL.LessThan(worst) {
			worst = s.PnL
		}
	}
	winRate := decimal.Zero
	if len(summaries) > 0 {
		winRate = decimal.NewFromInt(int64(t.Wins)).Div(decimal.NewFromInt(int64(len(summaries)))).Mul(decimal.NewFromInt(100))
	}
	return fmt.Sprintf(
		"%s: %d closed positions, %d wins, %d losses, %d breakeven (win rate %s%%). Net P&L %s, best %s, worst %s.",
		instrument, len(summaries), t.Wins, t.Losses, t.Breakevens,
		winRate.StringFixed(1), total.StringFixed(4), best.StringFixed(4), worst.StringFixed(4),
	), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
