package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/client/broker"
	"autotrader/internal/logger"
	"autotrader/internal/models"
	"autotrader/internal/repository"
)

type BrokerGateway interface {
	GetAllOpenPositions(ctx context.Context) ([]broker.OpenPosition, error)
	ConfirmDealStatus(ctx context.Context, dealReference string) (broker.DealConfirmation, error)
	GetClosedPositionsActivity(ctx context.Context, dealIDs []string, since time.Time) (map[string]broker.Activity, error)
}

type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

type LocationResolver interface {
	Location(instrument string) *time.Location
}

type ReconcileResult struct {
	Promoted int `json:"promoted"`
	Rejected int `json:"rejected"`
	Closed   int `json:"closed"`
	Reports  int `json:"reports"`
}

// Reconciler brings local position rows in line with the broker. Each pass
// is idempotent: with unchanged broker state a second pass writes nothing.
type Reconciler struct {
	Repo        repository.PositionRepository
	Broker      BrokerGateway
	Locations   LocationResolver
	Performance *PerformanceService
	Notifier    Notifier
	Logger      *zap.Logger

	// ReportingLocation is the zone broker activity timestamps are written in.
	ReportingLocation *time.Location
	Now               func() time.Time
}

func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if r == nil || r.Repo == nil || r.Broker == nil {
		return res, nil
	}
	log := r.logger()

	// Stage 1: both sides of the comparison.
	var (
		brokerOpen []broker.OpenPosition
		local      []models.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		brokerOpen, err = r.Broker.GetAllOpenPositions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = r.Repo.ListPositionsByStatuses(gctx, models.PositionPending, models.PositionOpened)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("reconcile: load: %w", err)
	}

	pending := map[string]models.Position{}
	opened := map[string]models.Position{}
	for _, p := range local {
		switch p.Status {
		case models.PositionPending:
			pending[p.BrokerDealReference] = p
		case models.PositionOpened:
			if p.BrokerPositionID != nil && *p.BrokerPositionID != "" {
				opened[*p.BrokerPositionID] = p
			} else {
				log.Warn("opened position without broker id", zap.String("position_id", p.ID))
			}
		}
	}

	// Stages 2-4 decide every change first; nothing is written unless all of
	// them succeed.
	promoted := r.promote(brokerOpen, pending)

	rejected, err := r.resolveAbandoned(ctx, pending)
	if err != nil {
		return res, fmt.Errorf("reconcile: abandoned: %w", err)
	}

	closed, err := r.closeFilled(ctx, brokerOpen, opened)
	if err != nil {
		return res, fmt.Errorf("reconcile: closures: %w", err)
	}

	if err := r.commit(ctx, promoted, rejected, closed); err != nil {
		return res, fmt.Errorf("reconcile: commit: %w", err)
	}
	res.Promoted = len(promoted)
	res.Rejected = len(rejected)
	res.Closed = len(closed)

	r.notifyChanges(ctx, rejected, closed)

	if r.Performance != nil {
		res.Reports = r.Performance.Feedback(ctx, closed)
	}

	log.Info("reconcile pass finished",
		zap.Int("broker_open", len(brokerOpen)),
		zap.Int("local_active", len(local)),
		zap.Int("promoted", res.Promoted),
		zap.Int("rejected", res.Rejected),
		zap.Int("closed", res.Closed),
		zap.Int("reports", res.Reports),
	)
	return res, nil
}

// Stage 2: pending rows that the broker now reports as open. Matched rows are
// removed from pending.
func (r *Reconciler) promote(brokerOpen []broker.OpenPosition, pending map[string]models.Position) []models.Position {
	var updates []models.Position
	for _, bp := range brokerOpen {
		row, ok := pending[bp.DealReference]
		if !ok {
			continue
		}
		delete(pending, bp.DealReference)

		dealID := bp.DealID
		row.Status = models.PositionOpened
		row.BrokerPositionID = &dealID
		row.Size = bp.Size
		row.EntryPrice = bp.Level
		row.StopLoss = bp.StopLevel
		row.TakeProfit = bp.LimitLevel
		updates = append(updates, row)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })
	return updates
}

// Stage 3: pending rows the broker does not show as open. A rejected or
// unconfirmable deal closes the row; an accepted one is left for a later pass.
func (r *Reconciler) resolveAbandoned(ctx context.Context, pending map[string]models.Position) ([]models.Position, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	var (
		mu       sync.Mutex
		rejected []models.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	for ref, row := range pending {
		g.Go(func() error {
			conf, err := r.Broker.ConfirmDealStatus(gctx, ref)
			reason := ""
			switch {
			case err != nil:
				reason = err.Error()
			case conf.Status == broker.DealRejected:
				reason = conf.Reason
				if reason == "" {
					reason = string(broker.DealRejected)
				}
			default:
				r.logger().Info("pending deal accepted but not open yet",
					zap.String("position_id", row.ID),
					zap.String("deal_reference", ref),
					zap.String("status", string(conf.Status)),
				)
				return nil
			}

			now := r.now()
			row.Status = models.PositionClosed
			row.ExitedAt = &now
			row.Metadata = row.MergeMetadata(map[string]any{
				"rejection_reason": reason,
				"rejected_at":      now.Format(time.RFC3339),
			})
			mu.Lock()
			rejected = append(rejected, row)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].ID < rejected[j].ID })
	return rejected, nil
}

// Stage 4: opened rows missing from the broker's open set were closed at the
// broker. Exit level and time come from one batched activity lookup.
func (r *Reconciler) closeFilled(ctx context.Context, brokerOpen []broker.OpenPosition, opened map[string]models.Position) ([]models.Position, error) {
	stillOpen := make(map[string]struct{}, len(brokerOpen))
	for _, bp := range brokerOpen {
		stillOpen[bp.DealID] = struct{}{}
	}
	var (
		gone  []models.Position
		ids   []string
		since time.Time
	)
	for id, row := range opened {
		if _, ok := stillOpen[id]; ok {
			continue
		}
		gone = append(gone, row)
		ids = append(ids, id)
		if since.IsZero() || row.OpenedAt.Before(since) {
			since = row.OpenedAt
		}
	}
	if len(gone) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	activity, err := r.Broker.GetClosedPositionsActivity(ctx, ids, since)
	if err != nil {
		return nil, err
	}

	closed := make([]models.Position, 0, len(gone))
	for _, row := range gone {
		r.applyExit(&row, activity[*row.BrokerPositionID])
		closed = append(closed, row)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID < closed[j].ID })
	return closed, nil
}

// applyExit marks row closed. An unparseable level leaves ExitPrice nil; a
// missing or unparseable date falls back to now.
func (r *Reconciler) applyExit(row *models.Position, act broker.Activity) {
	log := r.logger().With(zap.String("position_id", row.ID), zap.String("instrument", row.Instrument))
	dataLoc := time.UTC
	if r.Locations != nil {
		dataLoc = r.Locations.Location(row.Instrument)
	}

	row.ExitPrice = nil
	if level := strings.TrimSpace(act.Details.Level); level != "" {
		if d, err := decimal.NewFromString(level); err == nil {
			row.ExitPrice = &d
		} else {
			log.Warn("unparseable exit level", zap.String("level", level), zap.Error(err))
		}
	} else {
		log.Warn("no closing activity level")
	}

	exitedAt := r.now().In(dataLoc)
	if act.Date != "" {
		if t, err := broker.ParseActivityDate(act.Date, r.ReportingLocation); err == nil {
			exitedAt = t.In(dataLoc)
		} else {
			log.Warn("unparseable activity date", zap.String("date", act.Date), zap.Error(err))
		}
	}
	row.ExitedAt = &exitedAt
	row.Status = models.PositionClosed

}

// commit writes the pass's changes in one batch. Each update is conditioned
// on the status read in stage 1, so a row changed by someone else since then
// fails the batch and is picked up again by the next pass.
func (r *Reconciler) commit(ctx context.Context, promoted, rejected, closed []models.Position) error {
	updates := make([]repository.PositionUpdate, 0, len(promoted)+len(rejected)+len(closed))
	for _, p := range promoted {
		updates = append(updates, repository.PositionUpdate{From: models.PositionPending, Position: p})
	}
	for _, p := range rejected {
		updates = append(updates, repository.PositionUpdate{From: models.PositionPending, Position: p})
	}
	for _, p := range closed {
		updates = append(updates, repository.PositionUpdate{From: models.PositionOpened, Position: p})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := r.Repo.ApplyPositionUpdates(ctx, updates); err != nil {
		return err
	}

	log := r.logger()
	for _, p := range promoted {
		log.Info("position opened",
			zap.String("position_id", p.ID),
			zap.String("instrument", p.Instrument),
			zap.String("broker_position_id", *p.BrokerPositionID),
			zap.String("entry", p.EntryPrice.String()),
		)
	}
	for _, p := range rejected {
		log.Warn("pending position rejected",
			zap.String("position_id", p.ID),
			zap.String("deal_reference", p.BrokerDealReference),
			zap.Any("reason", p.Metadata["rejection_reason"]),
		)
	}
	for _, p := range closed {
		exit := "unknown"
		if p.ExitPrice != nil {
			exit = p.ExitPrice.String()
		}
		log.Info("position closed",
			zap.String("position_id", p.ID),
			zap.String("instrument", p.Instrument),
			zap.String("exit", exit),
			zap.Timep("exited_at", p.ExitedAt),
		)
	}
	return nil
}

func (r *Reconciler) notifyChanges(ctx context.Context, rejected, closed []models.Position) {
	if r.Notifier == nil || (len(rejected) == 0 && len(closed) == 0) {
		return
	}
	var b strings.Builder
	for _, p := range rejected {
		fmt.Fprintf(&b, "rejected %s %s %s: %v\n", p.Instrument, p.Direction, p.BrokerDealReference, p.Metadata["rejection_reason"])
	}
	for _, p := range closed {
		exit := "unknown"
		if p.ExitPrice != nil {
			exit = p.ExitPrice.String()
		}
		fmt.Fprintf(&b, "closed %s %s entry=%s exit=%s\n", p.Instrument, p.Direction, p.EntryPrice, exit)
	}
	title := fmt.Sprintf("Reconcile: %d rejected, %d closed", len(rejected), len(closed))
	if err := r.Notifier.Notify(ctx, title, b.String()); err != nil {
		r.logger().Warn("notify failed", zap.Error(err))
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logger() *zap.Logger {
	return logger.OrNop(r.Logger)
}
