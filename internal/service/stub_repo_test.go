package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"autotrader/internal/models"
	"autotrader/internal/repository"
)

// stubRepo is an in-memory position and report store that counts writes.
type stubRepo struct {
	mu        sync.Mutex
	positions map[string]models.Position
	reports   map[string]models.PerformanceReport
	writes    int
	updateErr error
	listErr   error
}

func newStubRepo(items ...models.Position) *stubRepo {
	r := &stubRepo{
		positions: map[string]models.Position{},
		reports:   map[string]models.PerformanceReport{},
	}
	for _, p := range items {
		r.positions[p.ID] = p
	}
	return r
}

var _ repository.PositionRepository = (*stubRepo)(nil)

func (r *stubRepo) InsertPosition(_ context.Context, item *models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.positions[item.ID] = clonePosition(*item)
	return nil
}

func (r *stubRepo) UpdatePosition(_ context.Context, item *models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	current, ok := r.positions[item.ID]
	if !ok {
		return errPositionNotFound
	}
	if err := repository.PrepareUpdate(current, "", item); err != nil {
		return err
	}
	r.writes++
	r.positions[item.ID] = clonePosition(*item)
	return nil
}

func (r *stubRepo) ApplyPositionUpdates(_ context.Context, updates []repository.PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	staged := make([]models.Position, 0, len(updates))
	for _, u := range updates {
		current, ok := r.positions[u.Position.ID]
		if !ok {
			return errPositionNotFound
		}
		next := clonePosition(u.Position)
		if err := repository.PrepareUpdate(current, u.From, &next); err != nil {
			return err
		}
		staged = append(staged, next)
	}
	for _, p := range staged {
		r.writes++
		r.positions[p.ID] = p
	}
	return nil
}

func (r *stubRepo) GetPositionByID(_ context.Context, id string) (*models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, nil
	}
	out := clonePosition(p)
	return &out, nil
}

func (r *stubRepo) ListPositionsByStatuses(_ context.Context, statuses ...models.PositionStatus) ([]models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	want := map[models.PositionStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.Position
	for _, p := range r.positions {
		if want[p.Status] {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *stubRepo) ListPositions(ctx context.Context, _ repository.ListPositionsParams) ([]models.Position, error) {
	return r.ListPositionsByStatuses(ctx, models.PositionPending, models.PositionOpened, models.PositionClosed)
}

func (r *stubRepo) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	items, err := r.ListPositions(ctx, params)
	return int64(len(items)), err
}

func (r *stubRepo) ListClosedPositionsByInstrument(_ context.Context, instrument string, limit int) ([]models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Position
	for _, p := range r.positions {
		if p.Instrument == instrument && p.Status == models.PositionClosed {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ExitedAt, out[j].ExitedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubRepo) UpsertPerformanceReport(_ context.Context, item *models.PerformanceReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.reports[item.Instrument] = *item
	return nil
}

func (r *stubRepo) position(id string) models.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[id]
}

func (r *stubRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func clonePosition(p models.Position) models.Position {
	if p.Metadata != nil {
		p.Metadata = p.MergeMetadata(nil)
	}
	return p
}

var errPositionNotFound = errors.New("position not found")
