package models

import "time"

// PerformanceReport is the latest narrative report per instrument.
type PerformanceReport struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Instrument string `gorm:"type:varchar(100);not null;uniqueIndex"`
	Report     string `gorm:"type:text;not null"`

	Positions  int `gorm:"not null;default:0"`
	Wins       int `gorm:"not null;default:0"`
	Losses     int `gorm:"not null;default:0"`
	Breakevens int `gorm:"not null;default:0"`

	GeneratedAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt   time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (PerformanceReport) TableName() string {
	return "performance_reports"
}
