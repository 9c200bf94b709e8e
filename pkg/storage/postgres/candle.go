package postgres

import (
	"context"
	"fmt"
	"time"

	"chartfeed/internal/chart/candlestore"
	"chartfeed/pkg/market"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertCandles inserts records, overwriting the prices of rows that already
// exist for the same symbol, interval and open time.
func (p *PostgresClient) UpsertCandles(ctx context.Context, records []*CandleRecord) error {
	if len(records) == 0 {
		return nil
	}

	set := clause.AssignmentColumns([]string{"open", "high", "low", "close", "updated_at"})
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "closed"},
		Value:  gorm.Expr("candle_record.closed OR excluded.closed"),
	})

	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "open_time"},
		},
		DoUpdates: set,
	}).Create(records)

	if tx.Error != nil {
		return fmt.Errorf("upsert %d candles: %w", len(records), tx.Error)
	}
	return nil
}

func (p *PostgresClient) DeleteOldCandles(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("open_time < ?", before).
		Delete(&CandleRecord{}).Error
}

// ToCandleRecord converts a series candle into a CandleRecord for DB insertion.
func ToCandleRecord(symbol string, interval market.Interval, c candlestore.Candle, closed bool) *CandleRecord {
	return &CandleRecord{
		Symbol:   symbol,
		Interval: interval.String(),
		OpenTime: time.Unix(c.OpenTime, 0).UTC(),
		Open:     decimal.NewFromFloat(c.Open),
		High:     decimal.NewFromFloat(c.High),
		Low:      decimal.NewFromFloat(c.Low),
		Close:    decimal.NewFromFloat(c.Close),
		Closed:   closed,
	}
}
