package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpened  PositionStatus = "OPENED"
	PositionClosed  PositionStatus = "CLOSED"
)

var ErrInvalidTransition = errors.New("invalid position status transition")

// CanTransitionTo encodes PENDING -> OPENED -> CLOSED plus PENDING -> CLOSED.
// Nothing leaves CLOSED.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionPending:
		return next == PositionOpened || next == PositionClosed
	case PositionOpened:
		return next == PositionClosed
	default:
		return false
	}
}

// CheckTransition allows rewriting a row in place except once it is CLOSED.
func CheckTransition(from, to PositionStatus) error {
	if (from == to && from != PositionClosed) || from.CanTransitionTo(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Position is one broker-side position tracked locally. BrokerDealReference is
// assigned by us when the order is placed; BrokerPositionID is assigned by the
// broker once the position is open.
type Position struct {
	ID                  string  `gorm:"type:varchar(36);primaryKey"`
	BrokerDealReference string  `gorm:"type:varchar(64);not null;uniqueIndex"`
	BrokerPositionID    *string `gorm:"type:varchar(64);index:idx_positions_open_broker_id,unique,where:status <> 'CLOSED'"`

	Strategy   string    `gorm:"type:varchar(50);not null;index"`
	Instrument string    `gorm:"type:varchar(100);not null;index:idx_positions_instrument_status"`
	Direction  Direction `gorm:"type:varchar(10);not null"`

	Size       decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0"`
	EntryPrice decimal.Decimal  `gorm:"type:numeric(20,10);not null;default:0"`
	StopLoss   *decimal.Decimal `gorm:"type:numeric(20,10)"`
	TakeProfit *decimal.Decimal `gorm:"type:numeric(20,10)"`
	ExitPrice  *decimal.Decimal `gorm:"type:numeric(20,10)"`

	Status   PositionStatus `gorm:"type:varchar(10);not null;default:'PENDING';index;index:idx_positions_instrument_status"`
	OpenedAt time.Time      `gorm:"type:timestamptz;not null"`
	ExitedAt *time.Time     `gorm:"type:timestamptz;index"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Position) TableName() string {
	return "positions"
}

// MergeMetadata returns the existing metadata with extra keys layered on top.
// The receiver is not modified.
func (p Position) MergeMetadata(extra map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range p.Metadata {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
