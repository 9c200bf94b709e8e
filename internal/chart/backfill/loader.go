// Package backfill turns time boundaries into history queries and merges the
// returned chunks into a session's candle store.
package backfill

import (
	"errors"
	"fmt"
	"time"

	"chartfeed/internal/chart/candlestore"
	"chartfeed/pkg/market"

	"go.uber.org/zap"
)

// ErrStaleResult is returned by Complete for a result that does not match the
// request currently in flight.
var ErrStaleResult = errors.New("stale backfill result")

// Request is one history query issued by the Loader.
type Request struct {
	ID       uint64
	Symbol   string
	Interval market.Interval
	Anchor   Anchor
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

// Query converts the request into the history API query.
func (r Request) Query() market.HistoryQuery {
	return market.HistoryQuery{
		Symbol:    r.Symbol,
		Interval:  r.Interval,
		StartTime: r.Start,
		EndTime:   r.End,
		Page:      r.Page,
		PageSize:  r.PageSize,
	}
}

// Result is what a Fetcher hands back for a Request.
type Result struct {
	Request Request
	Rows    []market.HistoryRow
	HasMore bool
	Err     error
}

// Merge describes what Complete did to the store.
type Merge struct {
	Position  candlestore.Position
	Candles   []candlestore.Candle // merged batch, ascending
	Removed   int                  // duplicates dropped while merging
	Dropped   int                  // malformed rows skipped
	Exhausted bool
	// Disjoint is set for an Older merge whose batch ends before the series
	// began, so the batch sits entirely in front of it.
	Disjoint bool
}

// Applied reports whether the store changed.
func (m Merge) Applied() bool {
	return len(m.Candles) > 0
}

// Loader owns the backfill state of one session. Begin and Complete must be
// called from the goroutine that owns the store; the fetch in between runs
// elsewhere.
type Loader struct {
	symbol   string
	interval market.Interval
	state    State

	nextID     uint64
	inflight   uint64
	priorPhase Phase

	logger *zap.Logger
}

func NewLoader(symbol string, interval market.Interval, chunkSize, maxChunks int, logger *zap.Logger) *Loader {
	return &Loader{
		symbol:   symbol,
		interval: interval,
		state: State{
			ChunkSize:         chunkSize,
			MaxBackfillChunks: maxChunks,
		},
		logger: logger,
	}
}

// State returns a copy of the bookkeeping.
func (l *Loader) State() State {
	s := l.state
	if s.OldestLoaded != nil {
		v := *s.OldestLoaded
		s.OldestLoaded = &v
	}
	if s.CurrentStart != nil {
		v := *s.CurrentStart
		s.CurrentStart = &v
	}
	return s
}

// CanBackfill reports whether an End-anchored request would be accepted.
func (l *Loader) CanBackfill() bool {
	return l.state.Phase == PhaseIdle && !l.state.CapReached()
}

// Begin reserves the single in-flight slot and returns the request to fetch.
// It returns false when a request is already loading, or, for AnchorEnd, when
// history is exhausted or the chunk budget is spent.
func (l *Loader) Begin(anchor Anchor, ref time.Time) (Request, bool) {
	if l.state.Phase == PhaseLoading {
		return Request{}, false
	}
	if anchor == AnchorEnd && !l.CanBackfill() {
		return Request{}, false
	}

	start, end, err := ComputeTimeWindow(l.interval, anchor, ref)
	if err != nil {
		l.logger.Warn("cannot compute backfill window", zap.Error(err))
		return Request{}, false
	}

	l.nextID++
	req := Request{
		ID:       l.nextID,
		Symbol:   l.symbol,
		Interval: l.interval,
		Anchor:   anchor,
		Start:    start,
		End:      end,
		Page:     1,
		PageSize: l.state.ChunkSize,
	}

	l.priorPhase = l.state.Phase
	l.inflight = req.ID
	l.state.Phase = PhaseLoading
	l.state.ChunkIndex++
	cs := start.Unix()
	l.state.CurrentStart = &cs

	return req, true
}

// Complete applies a fetched result to store and releases the in-flight slot
// on every path. The store is untouched when res carries an error.
func (l *Loader) Complete(store *candlestore.Store, res Result) (Merge, error) {
	if l.state.Phase != PhaseLoading || res.Request.ID != l.inflight {
		return Merge{}, ErrStaleResult
	}
	l.inflight = 0
	l.state.Phase = l.priorPhase

	req := res.Request
	if res.Err != nil {
		return Merge{}, fmt.Errorf("backfill %s %s [%s, %s]: %w",
			req.Symbol, req.Interval, req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339), res.Err)
	}

	if len(res.Rows) == 0 {
		// An empty refresh of a populated series says nothing about older data.
		if req.Anchor == AnchorEnd || store.Len() == 0 {
			l.state.Phase = PhaseExhausted
			return Merge{Exhausted: true}, nil
		}
		return Merge{}, nil
	}

	candles, dropped := l.toCandles(res.Rows)
	if len(candles) == 0 {
		// An unusable End-anchored chunk still spends backfill budget.
		if req.Anchor == AnchorEnd {
			l.state.BackfilledChunks++
			l.logger.Warn("backfill chunk had no usable rows",
				zap.String("symbol", req.Symbol),
				zap.Stringer("interval", req.Interval),
				zap.Int("dropped", dropped),
				zap.Int("backfilled_chunks", l.state.BackfilledChunks))
		}
		return Merge{Dropped: dropped}, nil
	}

	pos := candlestore.Newer
	disjoint := false
	if oldest, ok := store.Oldest(); ok && earliest(candles) < oldest.OpenTime {
		pos = candlestore.Older
		disjoint = latest(candles) < oldest.OpenTime
	}
	removed := store.MergeChunk(candles, pos)

	if pos == candlestore.Older && req.Anchor == AnchorEnd {
		l.state.BackfilledChunks++
	}
	if oldest, ok := store.Oldest(); ok {
		v := oldest.OpenTime
		l.state.OldestLoaded = &v
	}

	return Merge{
		Position: pos,
		Candles:  candles,
		Removed:  removed,
		Dropped:  dropped,
		Disjoint: disjoint,
	}, nil
}

// toCandles converts newest-first rows into ascending candles, skipping rows
// with missing fields.
func (l *Loader) toCandles(rows []market.HistoryRow) ([]candlestore.Candle, int) {
	out := make([]candlestore.Candle, 0, len(rows))
	dropped := 0
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if r.Timestamp == nil || r.Open == nil || r.High == nil || r.Low == nil || r.Close == nil {
			dropped++
			l.logger.Warn("dropping malformed history row",
				zap.String("symbol", l.symbol),
				zap.Stringer("interval", l.interval),
				zap.Int("row", i))
			continue
		}
		out = append(out, candlestore.Candle{
			OpenTime: *r.Timestamp / 1000,
			Open:     *r.Open,
			High:     *r.High,
			Low:      *r.Low,
			Close:    *r.Close,
		})
	}
	return out, dropped
}

func earliest(cs []candlestore.Candle) int64 {
	first := cs[0].OpenTime
	for _, c := range cs[1:] {
		if c.OpenTime < first {
			first = c.OpenTime
		}
	}
	return first
}

func latest(cs []candlestore.Candle) int64 {
	last := cs[0].OpenTime
	for _, c := range cs[1:] {
		if c.OpenTime > last {
			last = c.OpenTime
		}
	}
	return last
}
