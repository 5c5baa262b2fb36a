package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/client/broker"
	"autotrader/internal/logger"
	"autotrader/internal/models"
	"autotrader/internal/repository"
)

var (
	ErrSizeTooSmall = errors.New("position size below broker minimum")
	ErrInvalidStop  = errors.New("stop level must differ from entry")
	ErrInvalidOrder = errors.New("invalid order request")
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order broker.OrderRequest) (string, error)
}

type OpenRequest struct {
	Strategy   string
	Instrument string
	Direction  models.Direction
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Currency   string
	// RiskAmount sizes the order from the entry to stop distance when Size
	// is zero.
	RiskAmount decimal.Decimal
	// Rationale is stored as the position's metadata.
	Rationale map[string]any
}

// PositionService places orders. The local row is written as PENDING before
// the order goes out so that the reconciler can always match the broker's
// position back to it.
type PositionService struct {
	Repo   repository.PositionRepository
	Broker OrderPlacer
	Logger *zap.Logger
	Now    func() time.Time

	// SizeStep and MinSize bound risk-sized orders.
	SizeStep decimal.Decimal
	MinSize  decimal.Decimal
}

func (s *PositionService) OpenPosition(ctx context.Context, req OpenRequest) (*models.Position, error) {
	if s == nil || s.Repo == nil || s.Broker == nil {
		return nil, errors.New("position service not configured")
	}
	req.Instrument = strings.TrimSpace(req.Instrument)
	if req.Instrument == "" {
		return nil, fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	if req.Direction != models.DirectionLong && req.Direction != models.DirectionShort {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidOrder, req.Direction)
	}
	if req.Size.IsZero() && req.RiskAmount.IsPositive() {
		if req.StopLoss == nil {
			return nil, fmt.Errorf("%w: risk sizing needs a stop loss", ErrInvalidOrder)
		}
		size, err := PositionSize(req.RiskAmount, req.EntryPrice, *req.StopLoss, s.SizeStep, s.MinSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
		}
		req.Size = size
	}
	if !req.Size.IsPositive() {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}

	now := s.now()
	pos := &models.Position{
		ID:                  uuid.NewString(),
		BrokerDealReference: NewDealReference(),
		Strategy:            strings.TrimSpace(req.Strategy),
		Instrument:          req.Instrument,
		Direction:           req.Direction,
		Size:                req.Size,
		EntryPrice:          req.EntryPrice,
		StopLoss:            req.StopLoss,
		TakeProfit:          req.TakeProfit,
		Status:              models.PositionPending,
		OpenedAt:            now,
		Metadata:            models.Position{}.MergeMetadata(req.Rationale),
	}
	if err := s.Repo.InsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("open position: insert: %w", err)
	}

	ref, err := s.Broker.PlaceOrder(ctx, broker.OrderRequest{
		DealReference: pos.BrokerDealReference,
		Instrument:    pos.Instrument,
		Direction:     pos.Direction,
		Size:          pos.Size,
		StopLevel:     pos.StopLoss,
		LimitLevel:    pos.TakeProfit,
		Currency:      req.Currency,
	})
	if err != nil {
		failedAt := s.now()
		pos.Status = models.PositionClosed
		pos.ExitedAt = &failedAt
		pos.Metadata = pos.MergeMetadata(map[string]any{
			"placement_error": err.Error(),
			"rejected_at":     failedAt.Format(time.RFC3339),
		})
		if uerr := s.Repo.UpdatePosition(ctx, pos); uerr != nil {
			s.logger().Error("failed to close position after placement error",
				zap.String("position_id", pos.ID), zap.Error(uerr))
		}
		return pos, fmt.Errorf("open position: place order: %w", err)
	}
	if ref != pos.BrokerDealReference {
		s.logger().Warn("broker returned a different deal reference",
			zap.String("position_id", pos.ID),
			zap.String("sent", pos.BrokerDealReference),
			zap.String("received", ref),
		)
	}
	s.logger().Info("order placed",
		zap.String("position_id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("direction", string(pos.Direction)),
		zap.String("size", pos.Size.String()),
		zap.String("deal_reference", pos.BrokerDealReference),
	)
	return pos, nil
}

// NewDealReference returns a unique reference within the broker's 30
// character limit.
func NewDealReference() string {
	ref := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(ref) > 30 {
		ref = ref[:30]
	}
	return ref
}

// PositionSize sizes a trade so that hitting the stop loses riskAmount. The
// result is truncated to a multiple of step and must reach minSize.
func PositionSize(riskAmount, entry, stop, step, minSize decimal.Decimal) (decimal.Decimal, error) {
	distance := entry.Sub(stop).Abs()
	if distance.IsZero() {
		return decimal.Zero, ErrInvalidStop
	}
	if !riskAmount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: risk amount %s", ErrSizeTooSmall, riskAmount)
	}
	var size decimal.Decimal
	if step.IsPositive() {
		lots, _ := riskAmount.QuoRem(distance.Mul(step), 0)
		size = lots.Mul(step)
	} else {
		size, _ = riskAmount.QuoRem(distance, 16)
	}
	if size.LessThan(minSize) || !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrSizeTooSmall, size, minSize)
	}
	return size, nil
}

func (s *PositionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *PositionService) logger() *zap.Logger {
	return logger.OrNop(s.Logger)
}
