// Package archive persists series updates to postgres.
package archive

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"chartfeed/internal/chart/session"
	"chartfeed/pkg/storage/postgres"

	"go.uber.org/zap"
)

// Writer is the subset of postgres.PostgresClient the archiver needs.
type Writer interface {
	UpsertCandles(ctx context.Context, records []*postgres.CandleRecord) error
	DeleteOldCandles(ctx context.Context, before time.Time) error
}

// UpdateSource is the subset of session.Controller the archiver follows.
type UpdateSource interface {
	Subscribe() (int64, <-chan session.SeriesUpdate)
	Unsubscribe(id int64)
	Snapshot(ctx context.Context) (session.SeriesUpdate, error)
}

// ErrUpdatesClosed is returned by Run when the update channel was closed.
var ErrUpdatesClosed = errors.New("update channel closed")

// Archiver upserts every candle touched by a SeriesUpdate. Write failures
// are logged and never reach the reconciler.
type Archiver struct {
	writer       Writer
	writeTimeout time.Duration
	logger       *zap.Logger

	written atomic.Int64
	failed  atomic.Int64
}

func New(writer Writer, writeTimeout time.Duration, logger *zap.Logger) *Archiver {
	return &Archiver{
		writer:       writer,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Follow archives src until ctx is done or src shuts down. Each pass
// subscribes first and then writes a full snapshot, so a subscription dropped
// for lagging behind is replaced without losing candles.
func (a *Archiver) Follow(ctx context.Context, src UpdateSource) {
	for pass := 0; ; pass++ {
		id, updates := src.Subscribe()

		snap, err := src.Snapshot(ctx)
		switch {
		case errors.Is(err, session.ErrNotStarted):
		case err != nil:
			src.Unsubscribe(id)
			if ctx.Err() == nil {
				a.logger.Info("update source stopped, archiver exiting", zap.Error(err))
			}
			return
		default:
			a.write(ctx, snap)
		}

		if err := a.Run(ctx, updates); !errors.Is(err, ErrUpdatesClosed) {
			src.Unsubscribe(id)
			return
		}
		a.logger.Warn("archiver subscription dropped, resyncing from snapshot", zap.Int("pass", pass))
	}
}

// Run consumes updates until ctx is done or the channel is closed.
func (a *Archiver) Run(ctx context.Context, updates <-chan session.SeriesUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return ErrUpdatesClosed
			}
			a.write(ctx, u)
		}
	}
}

// Written is the number of candle rows upserted so far.
func (a *Archiver) Written() int64 {
	return a.written.Load()
}

// Failed is the number of rejected batches.
func (a *Archiver) Failed() int64 {
	return a.failed.Load()
}

func (a *Archiver) write(ctx context.Context, u session.SeriesUpdate) {
	records := Records(u)
	if len(records) == 0 {
		return
	}

	wctx, cancel := ctx, context.CancelFunc(func() {})
	if a.writeTimeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, a.writeTimeout)
	}
	err := a.writer.UpsertCandles(wctx, records)
	cancel()
	if err != nil {
		a.failed.Add(1)
		a.logger.Warn("failed to archive candles",
			zap.String("symbol", u.Symbol),
			zap.Stringer("interval", u.Interval),
			zap.Stringer("kind", u.Kind),
			zap.Int("count", len(records)),
			zap.Error(err))
		return
	}
	a.written.Add(int64(len(records)))
}

// Records converts an update into rows. Live appends and tail rewrites carry
// the update's closed flag; other kinds mark the keys listed in ClosedKeys.
func Records(u session.SeriesUpdate) []*postgres.CandleRecord {
	live := u.Closed && (u.Kind == session.UpdateAppend || u.Kind == session.UpdateTail)
	out := make([]*postgres.CandleRecord, 0, len(u.Candles))
	for _, c := range u.Candles {
		closed := live
		if !closed && len(u.ClosedKeys) > 0 {
			_, closed = slices.BinarySearch(u.ClosedKeys, c.OpenTime)
		}
		out = append(out, postgres.ToCandleRecord(u.Symbol, u.Interval, c, closed))
	}
	return out
}
