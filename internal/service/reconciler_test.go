package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"autotrader/internal/calendar"
	"autotrader/internal/client/broker"
	"autotrader/internal/models"
	"autotrader/internal/repository"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func strp(s string) *string { return &s }

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func newTestReconciler(t *testing.T, repo *stubRepo, b *stubBroker) *Reconciler {
	newYork := mustLocation(t, "America/New_York")
	return &Reconciler{
		Repo:   repo,
		Broker: b,
		Locations: calendar.New(
			calendar.Instrument{Symbol: "SPX", DataLocation: newYork},
			calendar.Instrument{Symbol: "EURUSD", DataLocation: time.UTC},
		),
		ReportingLocation: mustLocation(t, "Europe/London"),
		Now:               func() time.Time { return fixedNow },
	}
}

func pendingPosition(id, ref string) models.Position {
	return models.Position{
		ID:                  id,
		BrokerDealReference: ref,
		Strategy:            "breakout",
		Instrument:          "SPX",
		Direction:           models.DirectionLong,
		Size:                dec("1"),
		EntryPrice:          dec("5000"),
		Status:              models.PositionPending,
		OpenedAt:            fixedNow.Add(-time.Hour),
		Metadata:            datatypes.JSONMap{"signal": "ema_cross"},
	}
}

func openedPosition(id, dealID string) models.Position {
	p := pendingPosition(id, "REF-"+id)
	p.Status = models.PositionOpened
	p.BrokerPositionID = strp(dealID)
	return p
}

func TestReconcile_PromotesMatchedPending(t *testing.T) {
	repo := newStubRepo(pendingPosition("p1", "REF1"))
	b := &stubBroker{open: []broker.OpenPosition{{
		DealID:        "DI1",
		DealReference: "REF1",
		Direction:     models.DirectionLong,
		Size:          dec("2.5"),
		Level:         dec("5012.25"),
		StopLevel:     decp("4990"),
	}}}

	res, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Promoted: 1}, res)

	got := repo.position("p1")
	assert.Equal(t, models.PositionOpened, got.Status)
	require.NotNil(t, got.BrokerPositionID)
	assert.Equal(t, "DI1", *got.BrokerPositionID)
	assert.True(t, got.Size.Equal(dec("2.5")))
	assert.True(t, got.EntryPrice.Equal(dec("5012.25")))
	require.NotNil(t, got.StopLoss)
	assert.True(t, got.StopLoss.Equal(dec("4990")))
	assert.Nil(t, got.TakeProfit)
	assert.Nil(t, got.ExitedAt)

	// Matched pending rows are not treated as abandoned.
	assert.Empty(t, b.confirmCalls)
}

func TestReconcile_RejectsAbandonedPending(t *testing.T) {
	repo := newStubRepo(
		pendingPosition("rejected", "REF-R"),
		pendingPosition("failed", "REF-F"),
		pendingPosition("accepted", "REF-A"),
	)
	b := &stubBroker{
		confirmations: map[string]broker.DealConfirmation{
			"REF-R": {DealReference: "REF-R", Status: broker.DealRejected, Reason: "INSUFFICIENT_FUNDS"},
			"REF-A": {DealReference: "REF-A", Status: broker.DealAccepted},
		},
		confirmErrs: map[string]error{"REF-F": errors.New("confirm timeout")},
	}

	res, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rejected)

	rejected := repo.position("rejected")
	assert.Equal(t, models.PositionClosed, rejected.Status)
	require.NotNil(t, rejected.ExitedAt)
	assert.True(t, rejected.ExitedAt.Equal(fixedNow))
	assert.Equal(t, "INSUFFICIENT_FUNDS", rejected.Metadata["rejection_reason"])
	assert.Equal(t, "ema_cross", rejected.Metadata["signal"])
	assert.Equal(t, fixedNow.Format(time.RFC3339), rejected.Metadata["rejected_at"])

	failed := repo.position("failed")
	assert.Equal(t, models.PositionClosed, failed.Status)
	assert.Equal(t, "confirm timeout", failed.Metadata["rejection_reason"])
	assert.Equal(t, "ema_cross", failed.Metadata["signal"])

	accepted := repo.position("accepted")
	assert.Equal(t, models.PositionPending, accepted.Status)
	assert.Nil(t, accepted.ExitedAt)
}

func TestReconcile_ClosesPositionsGoneFromBroker(t *testing.T) {
	newYork := mustLocation(t, "America/New_York")
	repo := newStubRepo(
		openedPosition("summer", "DI-S"),
		openedPosition("winter", "DI-W"),
		openedPosition("badlevel", "DI-B"),
		openedPosition("noactivity", "DI-N"),
		openedPosition("still", "DI-OPEN"),
	)
	b := &stubBroker{
		open: []broker.OpenPosition{{DealID: "DI-OPEN", DealReference: "REF-still", Size: dec("1"), Level: dec("5000")}},
		activity: map[string]broker.Activity{
			"DI-S": {Date: "2026-07-01T15:30:00", Details: broker.ActivityDetails{Level: "1.2345"}},
			"DI-W": {Date: "2026-12-01T15:30:00", Details: broker.ActivityDetails{Level: "5100.5"}},
			"DI-B": {Date: "2026-07-01T15:30:00", Details: broker.ActivityDetails{Level: "N/A"}},
		},
	}

	res, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Closed)

	// One batched activity lookup for every vanished position.
	require.Len(t, b.activityCalls, 1)
	assert.Equal(t, []string{"DI-B", "DI-N", "DI-S", "DI-W"}, b.activityCalls[0])

	summer := repo.position("summer")
	assert.Equal(t, models.PositionClosed, summer.Status)
	require.NotNil(t, summer.ExitPrice)
	assert.True(t, summer.ExitPrice.Equal(dec("1.2345")))
	require.NotNil(t, summer.ExitedAt)
	// 15:30 BST is 14:30Z, which is 10:30 EDT.
	assert.True(t, summer.ExitedAt.Equal(time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC)))
	assert.Equal(t, newYork.String(), summer.ExitedAt.Location().String())
	_, offset := summer.ExitedAt.Zone()
	assert.Equal(t, -4*3600, offset)

	winter := repo.position("winter")
	require.NotNil(t, winter.ExitedAt)
	// 15:30 GMT is 15:30Z, which is 10:30 EST.
	assert.True(t, winter.ExitedAt.Equal(time.Date(2026, 12, 1, 15, 30, 0, 0, time.UTC)))
	_, offset = winter.ExitedAt.Zone()
	assert.Equal(t, -5*3600, offset)

	bad := repo.position("badlevel")
	assert.Equal(t, models.PositionClosed, bad.Status)
	assert.Nil(t, bad.ExitPrice)

	missing := repo.position("noactivity")
	assert.Equal(t, models.PositionClosed, missing.Status)
	assert.Nil(t, missing.ExitPrice)
	require.NotNil(t, missing.ExitedAt)
	assert.True(t, missing.ExitedAt.Equal(fixedNow))

	assert.Equal(t, models.PositionOpened, repo.position("still").Status)
}

func TestReconcile_SecondPassWritesNothing(t *testing.T) {
	repo := newStubRepo(
		pendingPosition("promote", "REF-P"),
		pendingPosition("reject", "REF-R"),
		pendingPosition("accepted", "REF-A"),
		openedPosition("close", "DI-C"),
		openedPosition("keep", "DI-K"),
	)
	b := &stubBroker{
		open: []broker.OpenPosition{
			{DealID: "DI-P", DealReference: "REF-P", Size: dec("1"), Level: dec("5001")},
			{DealID: "DI-K", DealReference: "REF-keep", Size: dec("1"), Level: dec("5000")},
		},
		confirmations: map[string]broker.DealConfirmation{
			"REF-R": {Status: broker.DealRejected, Reason: "MARKET_CLOSED"},
			"REF-A": {Status: broker.DealAccepted},
		},
		activity: map[string]broker.Activity{
			"DI-C": {Date: "2026-10-14T11:00:00", Details: broker.ActivityDetails{Level: "5050"}},
		},
	}
	rec := newTestReconciler(t, repo, b)

	first, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Promoted: 1, Rejected: 1, Closed: 1}, first)
	writes := repo.writeCount()
	assert.Equal(t, 3, writes)
	snapshot := map[string]models.Position{}
	for _, id := range []string{"promote", "reject", "accepted", "close", "keep"} {
		snapshot[id] = repo.position(id)
	}

	second, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, second)
	assert.Equal(t, writes, repo.writeCount())
	for id, before := range snapshot {
		assert.Equal(t, before, repo.position(id), id)
	}
	assert.Len(t, b.activityCalls, 1)
}

func TestReconcile_StageFailuresAbortPass(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		repo := newStubRepo(pendingPosition("p1", "REF1"))
		b := &stubBroker{openErr: errors.New("gateway down")}
		_, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconcile: load")
		assert.Equal(t, 0, repo.writeCount())
	})

	t.Run("closures", func(t *testing.T) {
		repo := newStubRepo(pendingPosition("p1", "REF1"), openedPosition("o1", "DI-GONE"))
		boom := errors.New("activity endpoint down")
		b := &stubBroker{
			open:        []broker.OpenPosition{{DealID: "DI1", DealReference: "REF1", Size: dec("1"), Level: dec("1")}},
			activityErr: boom,
		}
		_, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "reconcile: closures")
		// The promotion decided in stage 2 is not written either.
		assert.Equal(t, models.PositionPending, repo.position("p1").Status)
		assert.Nil(t, repo.position("p1").BrokerPositionID)
		assert.Equal(t, models.PositionOpened, repo.position("o1").Status)
		assert.Equal(t, 0, repo.writeCount())
	})

	t.Run("promote write", func(t *testing.T) {
		repo := newStubRepo(pendingPosition("p1", "REF1"))
		repo.updateErr = errors.New("deadlock detected")
		b := &stubBroker{open: []broker.OpenPosition{{DealID: "DI1", DealReference: "REF1", Size: dec("1"), Level: dec("1")}}}
		_, err := newTestReconciler(t, repo, b).Reconcile(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconcile: commit")
		assert.Equal(t, models.PositionPending, repo.position("p1").Status)
	})
}

func TestReconcile_ConcurrentCloseIsNotOverwritten(t *testing.T) {
	repo := newStubRepo(pendingPosition("p1", "REF1"), pendingPosition("p2", "REF2"))
	b := &stubBroker{
		open:        []broker.OpenPosition{{DealID: "DI2", DealReference: "REF2", Size: dec("1"), Level: dec("5000")}},
		confirmErrs: map[string]error{"REF1": errors.New("deal not found")},
	}
	// The order path closes p1 after the pass has read it as PENDING.
	b.onConfirm = func(ref string) {
		if ref != "REF1" {
			return
		}
		row := repo.position("p1")
		exited := fixedNow
		row.Status = models.PositionClosed
		row.ExitedAt = &exited
		row.Metadata = row.MergeMetadata(map[string]any{"placement_error": "connection reset"})
		assert.NoError(t, repo.UpdatePosition(context.Background(), &row))
	}
	rec := newTestReconciler(t, repo, b)

	_, err := rec.Reconcile(context.Background())
	require.ErrorIs(t, err, repository.ErrStalePosition)

	got := repo.position("p1")
	assert.Equal(t, models.PositionClosed, got.Status)
	assert.Equal(t, "connection reset", got.Metadata["placement_error"])
	assert.Equal(t, "ema_cross", got.Metadata["signal"])
	assert.NotContains(t, got.Metadata, "rejection_reason")
	// The batch is all or nothing, so p2's promotion waits for the next pass.
	assert.Equal(t, models.PositionPending, repo.position("p2").Status)

	b.onConfirm = nil
	res, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Promoted: 1}, res)
	assert.Equal(t, models.PositionOpened, repo.position("p2").Status)
	assert.Equal(t, "connection reset", repo.position("p1").Metadata["placement_error"])
}

type recordingNotifier struct {
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) error {
	n.titles = append(n.titles, title)
	return nil
}

func TestReconcile_NotifiesOnChanges(t *testing.T) {
	repo := newStubRepo(pendingPosition("reject", "REF-R"))
	b := &stubBroker{confirmations: map[string]broker.DealConfirmation{"REF-R": {Status: broker.DealRejected}}}
	n := &recordingNotifier{}
	rec := newTestReconciler(t, repo, b)
	rec.Notifier = n

	_, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Reconcile: 1 rejected, 0 closed"}, n.titles)

	_, err = rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, n.titles, 1)
}
