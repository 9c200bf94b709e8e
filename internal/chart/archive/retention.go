package archive

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRetention deletes candles older than maxAge once at startup, then at
// every UTC midnight, until ctx is done.
func (a *Archiver) RunRetention(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	a.sweep(ctx, maxAge)

	now := time.Now().UTC()
	nextMidnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	timer := time.NewTimer(time.Until(nextMidnight))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		a.sweep(ctx, maxAge)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Archiver) sweep(ctx context.Context, maxAge time.Duration) {
	before := time.Now().Add(-maxAge)
	if err := a.writer.DeleteOldCandles(ctx, before); err != nil {
		a.logger.Warn("retention sweep failed", zap.Time("before", before), zap.Error(err))
		return
	}
	a.logger.Info("retention sweep done", zap.Time("before", before))
}
