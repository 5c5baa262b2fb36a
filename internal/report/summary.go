package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/models"
)

type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// TradeSummary is one closed position as seen by a report generator.
type TradeSummary struct {
	PositionID string
	Strategy   string
	Instrument string
	Direction  models.Direction
	Size       decimal.Decimal
	Entry      decimal.Decimal
	Exit       decimal.Decimal
	PnL        decimal.Decimal
	Outcome    Outcome
	OpenedAt   time.Time
	ExitedAt   *time.Time
	Rationale  map[string]any
}

// Tally counts outcomes.
type Tally struct {
	Wins       int
	Losses     int
	Breakevens int
}

func Count(items []TradeSummary) Tally {
	var t Tally
	for _, s := range items {
		switch s.Outcome {
		case OutcomeWin:
			t.Wins++
		case OutcomeLoss:
			t.Losses++
		default:
			t.Breakevens++
		}
	}
	return t
}

// Prompt renders the summaries as the plain-text brief sent to a model.
func Prompt(instrument string, items []TradeSummary) string {
	var b strings.Builder
	t := Count(items)
	total := decimal.Zero
	for _, s := range items {
		total = total.Add(s.PnL)
	}
	fmt.Fprintf(&b, "Instrument: %s\n", instrument)
	fmt.Fprintf(&b, "Closed positions: %d (wins %d, losses %d, breakeven %d), net P&L %s\n\n",
		len(items), t.Wins, t.Losses, t.Breakevens, total.StringFixed(4))
	for i, s := range items {
		exited := "unknown"
		if s.ExitedAt != nil {
			exited = s.ExitedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%d. %s %s size=%s entry=%s exit=%s pnl=%s outcome=%s opened=%s exited=%s",
			i+1, s.Strategy, s.Direction, s.Size, s.Entry, s.Exit, s.PnL.StringFixed(4), s.Outcome,
			s.OpenedAt.Format(time.RFC3339), exited)
		if len(s.Rationale) > 0 {
			fmt.Fprintf(&b, " rationale=%v", s.Rationale)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nWrite a short performance review of these trades: what worked, what did not, and what the strategy should change.")
	return b.String()
}
