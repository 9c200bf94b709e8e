package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandleRecord is one archived candle. Prices are stored as exact numerics.
type CandleRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Symbol   string    `gorm:"type:text;not null;index:idx_candle_symbol;index:idx_symbol_interval_open_time,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_symbol_interval_open_time,unique"`
	OpenTime time.Time `gorm:"not null;index:idx_symbol_interval_open_time,unique"`

	Open  decimal.Decimal `gorm:"type:numeric;not null"`
	High  decimal.Decimal `gorm:"type:numeric;not null"`
	Low   decimal.Decimal `gorm:"type:numeric;not null"`
	Close decimal.Decimal `gorm:"type:numeric;not null"`

	// Closed is sticky: once a bucket is final it stays final.
	Closed bool `gorm:"not null;default:false"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string {
	return "candle_record"
}
