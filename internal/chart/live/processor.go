// Package live applies push-stream ticks to a session's candle store.
package live

import (
	"slices"

	"chartfeed/internal/chart/candlestore"
	"chartfeed/pkg/market"
)

// Outcome classifies what a tick did to the series.
type Outcome int

const (
	// Dropped: the bucket was already closed.
	Dropped Outcome = iota
	// First: the store was empty and the tick became its only candle.
	First
	// Updated: the tick replaced the still-forming newest candle.
	Updated
	// Appended: the tick opened a new bucket after the newest candle.
	Appended
	// Late: the tick landed before the newest candle.
	Late
)

func (o Outcome) String() string {
	switch o {
	case First:
		return "first"
	case Updated:
		return "updated"
	case Appended:
		return "appended"
	case Late:
		return "late"
	default:
		return "dropped"
	}
}

// Result reports the candle written by a tick.
type Result struct {
	Outcome Outcome
	Candle  candlestore.Candle
	Closed  bool // the bucket is now final
}

// Processor merges ticks into a store. Buckets, not raw timestamps, decide
// whether a tick updates, appends or back-fills, so jitter inside a bucket
// never creates a second candle. Not safe for concurrent use.
type Processor struct {
	interval market.Interval
	store    *candlestore.Store
	closed   map[int64]struct{}
}

func NewProcessor(interval market.Interval, store *candlestore.Store) *Processor {
	return &Processor{
		interval: interval,
		store:    store,
		closed:   make(map[int64]struct{}),
	}
}

// Apply merges t into the store.
func (p *Processor) Apply(t Tick) Result {
	bucket := p.interval.Bucket(t.OpenTime)
	key := p.keyFor(bucket)

	// Finalized candles are immutable.
	if _, done := p.closed[key]; done {
		return Result{Outcome: Dropped}
	}

	c := candlestore.Candle{
		OpenTime: key,
		Open:     t.Open,
		High:     t.High,
		Low:      t.Low,
		Close:    t.Close,
	}

	var out Outcome
	newest, ok := p.store.Newest()
	if !ok {
		p.store.InsertOrReplace(c)
		out = First
	} else {
		newestBucket := p.interval.Bucket(newest.OpenTime * 1000)
		switch {
		case bucket == newestBucket:
			p.store.InsertOrReplace(c)
			out = Updated
		case bucket > newestBucket:
			p.store.Append(c)
			p.store.DeduplicateAndSort()
			out = Appended
		default:
			p.store.InsertOrReplace(c)
			p.store.DeduplicateAndSort()
			out = Late
		}
	}

	if t.IsClosed {
		p.closed[key] = struct{}{}
	}
	return Result{Outcome: out, Candle: c, Closed: t.IsClosed}
}

// keyFor returns the OpenTime used for bucket: the key of a stored candle in
// the same bucket if there is one, otherwise the bucket start.
func (p *Processor) keyFor(bucket int64) int64 {
	start := bucket * p.interval.Millis() / 1000
	if c, ok := p.store.Ceil(start); ok && p.interval.Bucket(c.OpenTime*1000) == bucket {
		return c.OpenTime
	}
	return start
}

// IsClosed reports whether the bucket keyed by openTime is final.
func (p *Processor) IsClosed(openTime int64) bool {
	_, ok := p.closed[openTime]
	return ok
}

// ClosedBuckets returns the closed keys in ascending order.
func (p *Processor) ClosedBuckets() []int64 {
	out := make([]int64, 0, len(p.closed))
	for k := range p.closed {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
