package session

import (
	"time"

	"chartfeed/internal/chart/backfill"
	"chartfeed/pkg/market"
)

// nearLeftEdge reports whether the visible range starting at from (seconds)
// is within threshold buckets of the oldest loaded candle.
func nearLeftEdge(from, oldest int64, interval market.Interval, threshold int) bool {
	return from-oldest <= int64(threshold)*interval.Seconds()
}

// onVisibleRange issues an incremental backfill when the consumer scrolls
// close to the oldest loaded candle.
func (c *Controller) onVisibleRange(from, to int64) {
	s := c.sess
	if s == nil || to < from {
		return
	}
	oldest, ok := s.store.Oldest()
	if !ok || !nearLeftEdge(from, oldest.OpenTime, s.interval, c.opts.EdgeThreshold) {
		return
	}
	if !s.loader.CanBackfill() {
		return
	}
	c.requestBackfill(s, backfill.AnchorEnd, time.Unix(oldest.OpenTime, 0))
}
