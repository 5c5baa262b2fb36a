package gormrepository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/models"
	"autotrader/internal/repository"
)

func TestNormalizeLimitAndOffset(t *testing.T) {
	assert.Equal(t, 200, normalizeLimit(0, 200))
	assert.Equal(t, 500, normalizeLimit(10_000, 200))
	assert.Equal(t, 25, normalizeLimit(25, 200))
	assert.Equal(t, 0, normalizeOffset(-3))
	assert.Equal(t, 7, normalizeOffset(7))
}

func TestNilStoreIsInert(t *testing.T) {
	ctx := context.Background()
	var s *Store

	items, err := s.ListPositions(ctx, repository.ListPositionsParams{})
	require.NoError(t, err)
	assert.Nil(t, items)

	item, err := s.GetPositionByID(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, item)

	inserted, err := s.InsertPriceSnapshot(ctx, &models.PriceSnapshot{})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.UpdatePosition(ctx, &models.Position{}))
	require.NoError(t, s.ApplyPositionUpdates(ctx, []repository.PositionUpdate{{From: models.PositionPending}}))
}
