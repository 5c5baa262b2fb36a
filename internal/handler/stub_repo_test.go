package handler

import (
	"context"
	"errors"
	"sync"

	"autotrader/internal/client/broker"
	"autotrader/internal/models"
	"autotrader/internal/repository"
)

type stubRepo struct {
	mu         sync.Mutex
	positions  map[string]models.Position
	reports    map[string]models.PerformanceReport
	snapshots  []models.PriceSnapshot
	lastParams repository.ListPositionsParams
	lastPrices repository.ListPriceSnapshotsParams
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		positions: map[string]models.Position{},
		reports:   map[string]models.PerformanceReport{},
	}
}

func (s *stubRepo) InsertPosition(_ context.Context, item *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[item.ID] = *item
	return nil
}

func (s *stubRepo) UpdatePosition(_ context.Context, item *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[item.ID]
	if !ok {
		return errors.New("not found")
	}
	if err := repository.PrepareUpdate(cur, "", item); err != nil {
		return err
	}
	s.positions[item.ID] = *item
	return nil
}

func (s *stubRepo) ApplyPositionUpdates(ctx context.Context, updates []repository.PositionUpdate) error {
	for i := range updates {
		if err := s.UpdatePosition(ctx, &updates[i].Position); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubRepo) GetPositionByID(_ context.Context, id string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *stubRepo) ListPositionsByStatuses(_ context.Context, statuses ...models.PositionStatus) ([]models.Position, error) {
	return nil, nil
}

func (s *stubRepo) ListPositions(_ context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastParams = params
	var out []models.Position
	for _, p := range s.positions {
		if params.Status != nil && string(p.Status) != *params.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *stubRepo) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	items, _ := s.ListPositions(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) ListClosedPositionsByInstrument(context.Context, string, int) ([]models.Position, error) {
	return nil, nil
}

func (s *stubRepo) InsertPriceSnapshot(_ context.Context, item *models.PriceSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *item)
	return true, nil
}

func (s *stubRepo) ListPriceSnapshots(_ context.Context, params repository.ListPriceSnapshotsParams) ([]models.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrices = params
	return s.snapshots, nil
}

func (s *stubRepo) UpsertPerformanceReport(_ context.Context, item *models.PerformanceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[item.Instrument] = *item
	return nil
}

func (s *stubRepo) GetPerformanceReport(_ context.Context, instrument string) (*models.PerformanceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[instrument]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

type stubPlacer struct {
	err    error
	orders []broker.OrderRequest
}

func (p *stubPlacer) PlaceOrder(_ context.Context, order broker.OrderRequest) (string, error) {
	p.orders = append(p.orders, order)
	if p.err != nil {
		return "", p.err
	}
	return order.DealReference, nil
}
