package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"autotrader/internal/models"
)

type PositionRepository interface {
	// InsertPosition creates a PENDING row at order placement.
	InsertPosition(ctx context.Context, item *models.Position) error
	// UpdatePosition persists every mutable column of item. The stored status
	// must be able to move to item.Status, otherwise models.ErrInvalidTransition
	// is returned and nothing is written. Stored metadata keys are kept.
	UpdatePosition(ctx context.Context, item *models.Position) error
	// ApplyPositionUpdates writes all updates in one transaction or none of
	// them. An update whose row no longer has status From fails the batch
	// with ErrStalePosition.
	ApplyPositionUpdates(ctx context.Context, updates []PositionUpdate) error
	GetPositionByID(ctx context.Context, id string) (*models.Position, error)
	ListPositionsByStatuses(ctx context.Context, statuses ...models.PositionStatus) ([]models.Position, error)
	ListPositions(ctx context.Context, params ListPositionsParams) ([]models.Position, error)
	CountPositions(ctx context.Context, params ListPositionsParams) (int64, error)
	// ListClosedPositionsByInstrument returns the latest closed rows, newest exit first.
	ListClosedPositionsByInstrument(ctx context.Context, instrument string, limit int) ([]models.Position, error)
}

type PriceSnapshotRepository interface {
	// InsertPriceSnapshot is insert-once; a duplicate key reports inserted=false.
	InsertPriceSnapshot(ctx context.Context, item *models.PriceSnapshot) (inserted bool, err error)
	ListPriceSnapshots(ctx context.Context, params ListPriceSnapshotsParams) ([]models.PriceSnapshot, error)
}

type ReportRepository interface {
	UpsertPerformanceReport(ctx context.Context, item *models.PerformanceReport) error
	GetPerformanceReport(ctx context.Context, instrument string) (*models.PerformanceReport, error)
}

type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	PositionRepository
	PriceSnapshotRepository
	ReportRepository
}

var ErrStalePosition = errors.New("position changed since it was read")

// PositionUpdate is a write conditioned on the status the caller read.
type PositionUpdate struct {
	From     models.PositionStatus
	Position models.Position
}

// PrepareUpdate checks next against the stored row and layers next's metadata
// over the stored metadata. An empty from skips the stale check.
func PrepareUpdate(stored models.Position, from models.PositionStatus, next *models.Position) error {
	if from != "" && stored.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStalePosition, from, stored.Status)
	}
	if err := models.CheckTransition(stored.Status, next.Status); err != nil {
		return err
	}
	next.Metadata = stored.MergeMetadata(next.Metadata)
	return nil
}

type ListPositionsParams struct {
	Limit      int
	Offset     int
	Status     *string
	Instrument *string
	Strategy   *string
	OrderBy    string
	Asc        *bool
}

type ListPriceSnapshotsParams struct {
	Limit      int
	Instrument string
	Resolution string
}
