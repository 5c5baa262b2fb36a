package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/logger"
	"autotrader/internal/models"
	"autotrader/internal/report"
)

type ReportGenerator interface {
	Generate(ctx context.Context, instrument string, summaries []report.TradeSummary) (string, error)
}

type ReportArchiver interface {
	Archive(ctx context.Context, item models.PerformanceReport) error
}

type PerformanceRepository interface {
	ListClosedPositionsByInstrument(ctx context.Context, instrument string, limit int) ([]models.Position, error)
	UpsertPerformanceReport(ctx context.Context, item *models.PerformanceReport) error
}

// PerformanceService turns recently closed positions into a narrative report
// per instrument.
type PerformanceService struct {
	Repo      PerformanceRepository
	Generator ReportGenerator
	Archiver  ReportArchiver
	Notifier  Notifier
	Logger    *zap.Logger

	MinClosed int
	Window    int
	Now       func() time.Time
}

// Feedback regenerates the report of every instrument that had a closure in
// closed. Failures are logged per instrument; the return value is the number
// of reports written.
func (s *PerformanceService) Feedback(ctx context.Context, closed []models.Position) int {
	if s == nil || s.Repo == nil || s.Generator == nil {
		return 0
	}
	minClosed := s.MinClosed
	if minClosed <= 0 {
		minClosed = 1
	}
	if len(closed) < minClosed {
		return 0
	}

	seen := map[string]struct{}{}
	var instruments []string
	for _, p := range closed {
		if _, ok := seen[p.Instrument]; ok {
			continue
		}
		seen[p.Instrument] = struct{}{}
		instruments = append(instruments, p.Instrument)
	}
	sort.Strings(instruments)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for _, instrument := range instruments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.GenerateReport(ctx, instrument)
			if err != nil {
				s.logger().Error("performance report failed", zap.String("instrument", instrument), zap.Error(err))
				return
			}
			if item == nil {
				return
			}
			mu.Lock()
			written++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return written
}

// GenerateReport builds and stores the report for one instrument. It returns
// nil without error when no closed position has both prices.
func (s *PerformanceService) GenerateReport(ctx context.Context, instrument string) (*models.PerformanceReport, error) {
	window := s.Window
	if window <= 0 {
		window = 20
	}
	rows, err := s.Repo.ListClosedPositionsByInstrument(ctx, instrument, window)
	if err != nil {
		return nil, fmt.Errorf("performance: load %s: %w", instrument, err)
	}

	summaries := make([]report.TradeSummary, 0, len(rows))
	for _, p := range rows {
		sum, ok := Summarize(p)
		if !ok {
			s.logger().Warn("closed position without entry or exit price excluded from report",
				zap.String("position_id", p.ID),
				zap.String("instrument", instrument),
			)
			continue
		}
		summaries = append(summaries, sum)
	}
	if len(summaries) == 0 {
		return nil, nil
	}

	text, err := s.Generator.Generate(ctx, instrument, summaries)
	if err != nil {
		return nil, fmt.Errorf("performance: generate %s: %w", instrument, err)
	}
	tally := report.Count(summaries)
	item := &models.PerformanceReport{
		Instrument:  instrument,
		Report:      text,
		Positions:   len(summaries),
		Wins:        tally.Wins,
		Losses:      tally.Losses,
		Breakevens:  tally.Breakevens,
		GeneratedAt: s.now(),
	}
	if err := s.Repo.UpsertPerformanceReport(ctx, item); err != nil {
		return nil, fmt.Errorf("performance: store %s: %w", instrument, err)
	}
	s.logger().Info("performance report stored",
		zap.String("instrument", instrument),
		zap.Int("positions", item.Positions),
		zap.Int("wins", item.Wins),
		zap.Int("losses", item.Losses),
	)

	if s.Archiver != nil {
		if err := s.Archiver.Archive(ctx, *item); err != nil {
			s.logger().Warn("performance report archive failed", zap.String("instrument", instrument), zap.Error(err))
		}
	}
	if s.Notifier != nil {
		title := fmt.Sprintf("Performance report: %s (%dW/%dL/%dB)", instrument, item.Wins, item.Losses, item.Breakevens)
		if err := s.Notifier.Notify(ctx, title, text); err != nil {
			s.logger().Warn("notify failed", zap.Error(err))
		}
	}
	return item, nil
}

// Summarize classifies a closed position. ok is false when the entry or exit
// price is missing.
func Summarize(p models.Position) (report.TradeSummary, bool) {
	if p.ExitPrice == nil || p.EntryPrice.IsZero() {
		return report.TradeSummary{}, false
	}
	entry, exit := p.EntryPrice, *p.ExitPrice

	move := exit.Sub(entry)
	if p.Direction == models.DirectionShort {
		move = entry.Sub(exit)
	}
	outcome := report.OutcomeBreakeven
	switch move.Sign() {
	case 1:
		outcome = report.OutcomeWin
	case -1:
		outcome = report.OutcomeLoss
	}
	return report.TradeSummary{
		PositionID: p.ID,
		Strategy:   p.Strategy,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Size:       p.Size,
		Entry:      entry,
		Exit:       exit,
		PnL:        move.Mul(p.Size),
		Outcome:    outcome,
		OpenedAt:   p.OpenedAt,
		ExitedAt:   p.ExitedAt,
		Rationale:  p.Metadata,
	}, true
}

func (s *PerformanceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *PerformanceService) logger() *zap.Logger {
	return logger.OrNop(s.Logger)
}
