package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one price component of a snapshot. Any side may be missing, e.g.
// FX instruments have no last-traded price.
type Quote struct {
	Bid        *decimal.Decimal `gorm:"type:numeric(20,10)"`
	Ask        *decimal.Decimal `gorm:"type:numeric(20,10)"`
	LastTraded *decimal.Decimal `gorm:"type:numeric(20,10)"`
}

// PriceSnapshot is written once by the collector and never updated.
type PriceSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Instrument string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_price_snapshot_key"`
	Resolution string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_price_snapshot_key"`
	Timestamp  time.Time `gorm:"type:timestamptz;not null;uniqueIndex:idx_price_snapshot_key"`

	Open  Quote `gorm:"embedded;embeddedPrefix:open_"`
	High  Quote `gorm:"embedded;embeddedPrefix:high_"`
	Low   Quote `gorm:"embedded;embeddedPrefix:low_"`
	Close Quote `gorm:"embedded;embeddedPrefix:close_"`

	Volume *decimal.Decimal `gorm:"type:numeric(30,10)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (PriceSnapshot) TableName() string {
	return "price_snapshots"
}
