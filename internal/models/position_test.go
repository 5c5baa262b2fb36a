package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestPositionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to PositionStatus
		ok       bool
	}{
		{PositionPending, PositionOpened, true},
		{PositionPending, PositionClosed, true},
		{PositionOpened, PositionClosed, true},
		{PositionOpened, PositionPending, false},
		{PositionClosed, PositionOpened, false},
		{PositionClosed, PositionPending, false},
		{PositionPending, PositionPending, true},
		{PositionOpened, PositionOpened, true},
		{PositionClosed, PositionClosed, false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", tc.from, tc.to)
	}
}

func TestMergeMetadataKeepsExistingKeys(t *testing.T) {
	p := Position{Metadata: datatypes.JSONMap{"signal": "breakout", "rejection_reason": "old"}}
	merged := p.MergeMetadata(map[string]any{"rejection_reason": "MARKET_CLOSED"})

	assert.Equal(t, "breakout", merged["signal"])
	assert.Equal(t, "MARKET_CLOSED", merged["rejection_reason"])
	assert.Equal(t, "old", p.Metadata["rejection_reason"])
}
