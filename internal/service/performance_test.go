package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/client/broker"
	"autotrader/internal/models"
	"autotrader/internal/report"
)

type stubGenerator struct {
	mu       sync.Mutex
	failFor  map[string]error
	received map[string][]report.TradeSummary
}

func (g *stubGenerator) Generate(_ context.Context, instrument string, summaries []report.TradeSummary) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failFor[instrument]; err != nil {
		return "", err
	}
	if g.received == nil {
		g.received = map[string][]report.TradeSummary{}
	}
	g.received[instrument] = summaries
	return "review of " + instrument, nil
}

type stubArchiver struct {
	mu    sync.Mutex
	items []models.PerformanceReport
}

func (a *stubArchiver) Archive(_ context.Context, item models.PerformanceReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, item)
	return nil
}

func closedPosition(id, instrument string, dir models.Direction, entry, exit string, exitedAt time.Time) models.Position {
	p := models.Position{
		ID:         id,
		Strategy:   "breakout",
		Instrument: instrument,
		Direction:  dir,
		Size:       dec("2"),
		Status:     models.PositionClosed,
		OpenedAt:   exitedAt.Add(-time.Hour),
		ExitedAt:   &exitedAt,
	}
	if entry != "" {
		p.EntryPrice = dec(entry)
	}
	if exit != "" {
		p.ExitPrice = decp(exit)
	}
	return p
}

func TestSummarize(t *testing.T) {
	at := fixedNow
	cases := []struct {
		name    string
		pos     models.Position
		ok      bool
		outcome report.Outcome
		pnl     string
	}{
		{"long win", closedPosition("a", "X", models.DirectionLong, "100", "110", at), true, report.OutcomeWin, "20"},
		{"long loss", closedPosition("b", "X", models.DirectionLong, "100", "95.5", at), true, report.OutcomeLoss, "-9"},
		{"short win", closedPosition("c", "X", models.DirectionShort, "100", "90", at), true, report.OutcomeWin, "20"},
		{"short loss", closedPosition("d", "X", models.DirectionShort, "100", "101", at), true, report.OutcomeLoss, "-2"},
		{"breakeven", closedPosition("e", "X", models.DirectionShort, "100", "100.0", at), true, report.OutcomeBreakeven, "0"},
		{"missing exit", closedPosition("f", "X", models.DirectionLong, "100", "", at), false, "", ""},
		{"missing entry", closedPosition("g", "X", models.DirectionLong, "", "100", at), false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Summarize(tc.pos)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.outcome, got.Outcome)
			assert.True(t, got.PnL.Equal(dec(tc.pnl)), "pnl %s", got.PnL)
		})
	}
}

func TestFeedback_IsolatesInstrumentsAndStoresReports(t *testing.T) {
	repo := newStubRepo(
		closedPosition("s1", "SPX", models.DirectionLong, "5000", "5010", fixedNow),
		closedPosition("s2", "SPX", models.DirectionShort, "5000", "5010", fixedNow.Add(-time.Hour)),
		closedPosition("s3", "SPX", models.DirectionLong, "5000", "", fixedNow.Add(-2*time.Hour)),
		closedPosition("e1", "EURUSD", models.DirectionLong, "1.1", "1.2", fixedNow),
	)
	gen := &stubGenerator{failFor: map[string]error{"EURUSD": errors.New("model overloaded")}}
	arch := &stubArchiver{}
	svc := &PerformanceService{
		Repo:      repo,
		Generator: gen,
		Archiver:  arch,
		Window:    20,
		Now:       func() time.Time { return fixedNow },
	}

	closed := []models.Position{repo.position("s1"), repo.position("e1")}
	written := svc.Feedback(context.Background(), closed)
	assert.Equal(t, 1, written)

	spx, ok := repo.reports["SPX"]
	require.True(t, ok)
	assert.Equal(t, "review of SPX", spx.Report)
	assert.Equal(t, 2, spx.Positions)
	assert.Equal(t, 1, spx.Wins)
	assert.Equal(t, 1, spx.Losses)
	assert.True(t, spx.GeneratedAt.Equal(fixedNow))
	_, ok = repo.reports["EURUSD"]
	assert.False(t, ok)

	// Newest exit first, excluded position dropped.
	require.Len(t, gen.received["SPX"], 2)
	assert.Equal(t, "s1", gen.received["SPX"][0].PositionID)
	assert.Equal(t, "s2", gen.received["SPX"][1].PositionID)

	require.Len(t, arch.items, 1)
	assert.Equal(t, "SPX", arch.items[0].Instrument)
}

func TestFeedback_BelowThresholdDoesNothing(t *testing.T) {
	repo := newStubRepo(closedPosition("s1", "SPX", models.DirectionLong, "5000", "5010", fixedNow))
	gen := &stubGenerator{}
	svc := &PerformanceService{Repo: repo, Generator: gen, MinClosed: 2}

	assert.Equal(t, 0, svc.Feedback(context.Background(), []models.Position{repo.position("s1")}))
	assert.Empty(t, gen.received)
}

func TestFeedback_NoValidSummariesSkipsGenerator(t *testing.T) {
	repo := newStubRepo(closedPosition("s1", "SPX", models.DirectionLong, "5000", "", fixedNow))
	gen := &stubGenerator{}
	svc := &PerformanceService{Repo: repo, Generator: gen}

	assert.Equal(t, 0, svc.Feedback(context.Background(), []models.Position{repo.position("s1")}))
	assert.Empty(t, gen.received)
	assert.Empty(t, repo.reports)
}

func TestReconcile_RunsFeedbackForClosedPositions(t *testing.T) {
	repo := newStubRepo(openedPosition("o1", "DI-1"))
	b := &stubBroker{activity: map[string]broker.Activity{
		"DI-1": {Date: "2026-10-14T11:00:00", Details: broker.ActivityDetails{Level: "5050"}},
	}}
	gen := &stubGenerator{}
	rec := newTestReconciler(t, repo, b)
	rec.Performance = &PerformanceService{Repo: repo, Generator: gen, Now: rec.Now}

	res, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, 1, res.Reports)
	require.Len(t, gen.received["SPX"], 1)
	assert.Equal(t, report.OutcomeWin, gen.received["SPX"][0].Outcome)
}
