package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"autotrader/internal/models"
	"autotrader/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- positions --------------------------------------------------------------

func (s *Store) InsertPosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.BrokerDealReference) == "" {
		return errors.New("position: id and deal reference are required")
	}
	if item.Status == "" {
		item.Status = models.PositionPending
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdatePosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		return updatePosition(tx, "", item)
	})
}

// ApplyPositionUpdates locks rows in id order so concurrent batches cannot
// deadlock each other.
func (s *Store) ApplyPositionUpdates(ctx context.Context, updates []repository.PositionUpdate) error {
	if s == nil || s.db == nil || len(updates) == 0 {
		return nil
	}
	ordered := make([]*repository.PositionUpdate, len(updates))
	for i := range updates {
		ordered[i] = &updates[i]
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position.ID < ordered[j].Position.ID })
	return s.InTx(ctx, func(tx *gorm.DB) error {
		for _, u := range ordered {
			if err := updatePosition(tx, u.From, &u.Position); err != nil {
				return err
			}
		}
		return nil
	})
}

func updatePosition(tx *gorm.DB, from models.PositionStatus, item *models.Position) error {
	var current models.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "status", "metadata").
		Where("id = ?", item.ID).
		First(&current).Error
	if err != nil {
		return fmt.Errorf("position %s: %w", item.ID, err)
	}
	if err := repository.PrepareUpdate(current, from, item); err != nil {
		return fmt.Errorf("position %s: %w", item.ID, err)
	}
	res := tx.Model(&models.Position{ID: item.ID}).
		Where("status = ?", current.Status).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("position %s: %w", item.ID, repository.ErrStalePosition)
	}
	return nil
}

func (s *Store) GetPositionByID(ctx context.Context, id string) (*models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Position
	err := s.db.WithContext(ctx).Model(&models.Position{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPositionsByStatuses(ctx context.Context, statuses ...models.PositionStatus) ([]models.Position, error) {
	if s == nil || s.db == nil || len(statuses) == 0 {
		return nil, nil
	}
	var items []models.Position
	if err := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("status IN ?", statuses).
		Order("opened_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := positionFilters(s.db.WithContext(ctx).Model(&models.Position{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "opened_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Position
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := positionFilters(s.db.WithContext(ctx).Model(&models.Position{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListClosedPositionsByInstrument(ctx context.Context, instrument string, limit int) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return nil, nil
	}
	var items []models.Position
	if err := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("instrument = ?", instrument).
		Where("status = ?", models.PositionClosed).
		Order("exited_at desc nulls last").
		Limit(normalizeLimit(limit, 20)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func positionFilters(query *gorm.DB, params repository.ListPositionsParams) *gorm.DB {
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(*params.Status)))
	}
	if params.Instrument != nil && strings.TrimSpace(*params.Instrument) != "" {
		query = query.Where("instrument = ?", strings.TrimSpace(*params.Instrument))
	}
	if params.Strategy != nil && strings.TrimSpace(*params.Strategy) != "" {
		query = query.Where("strategy = ?", strings.TrimSpace(*params.Strategy))
	}
	return query
}

// --- price snapshots --------------------------------------------------------

func (s *Store) InsertPriceSnapshot(ctx context.Context, item *models.PriceSnapshot) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}, {Name: "resolution"}, {Name: "timestamp"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListPriceSnapshots(ctx context.Context, params repository.ListPriceSnapshotsParams) ([]models.PriceSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PriceSnapshot{})
	if v := strings.TrimSpace(params.Instrument); v != "" {
		query = query.Where("instrument = ?", v)
	}
	if v := strings.TrimSpace(params.Resolution); v != "" {
		query = query.Where("resolution = ?", v)
	}
	var items []models.PriceSnapshot
	if err := query.Order("timestamp desc").Limit(normalizeLimit(params.Limit, 100)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- performance reports ----------------------------------------------------

func (s *Store) UpsertPerformanceReport(ctx context.Context, item *models.PerformanceReport) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Instrument = strings.TrimSpace(item.Instrument)
	if item.Instrument == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instrument"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"report",
			"positions",
			"wins",
			"losses",
			"breakevens",
			"generated_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetPerformanceReport(ctx context.Context, instrument string) (*models.PerformanceReport, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return nil, nil
	}
	var item models.PerformanceReport
	err := s.db.WithContext(ctx).Where("instrument = ?", instrument).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- helpers ----------------------------------------------------------------

var orderableColumns = map[string]struct{}{
	"opened_at":  {},
	"exited_at":  {},
	"created_at": {},
	"updated_at": {},
	"instrument": {},
	"status":     {},
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if _, ok := orderableColumns[column]; !ok {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
