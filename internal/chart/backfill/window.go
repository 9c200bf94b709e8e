package backfill

import (
	"fmt"
	"time"

	"chartfeed/pkg/market"
)

// Anchor selects which lookback table a window is computed from.
type Anchor int

const (
	// AnchorStart looks back from "now" using the initial-load table.
	AnchorStart Anchor = iota
	// AnchorEnd looks back from the oldest loaded candle using the incremental table.
	AnchorEnd
)

func (a Anchor) String() string {
	if a == AnchorEnd {
		return "end"
	}
	return "start"
}

const (
	day   = 24 * time.Hour
	year  = 365 * day
	month = 30 * day
)

// initialLookback is how far the first load of a session reaches back from now.
var initialLookback = map[market.Interval]time.Duration{
	market.Interval1Min:   8 * time.Hour,
	market.Interval3Min:   24 * time.Hour,
	market.Interval5Min:   2 * day,
	market.Interval15Min:  5 * day,
	market.Interval30Min:  10 * day,
	market.Interval1Hour:  20 * day,
	market.Interval2Hour:  40 * day,
	market.Interval4Hour:  80 * day,
	market.Interval6Hour:  4 * month,
	market.Interval12Hour: 8 * month,
	market.Interval1Day:   year,
	market.Interval1Week:  2 * year,
	market.Interval1Month: 3 * year,
}

// incrementalLookback is how far each edge-scroll backfill reaches behind the oldest candle.
var incrementalLookback = map[market.Interval]time.Duration{
	market.Interval1Min:   4 * time.Hour,
	market.Interval3Min:   12 * time.Hour,
	market.Interval5Min:   day,
	market.Interval15Min:  3 * day,
	market.Interval30Min:  5 * day,
	market.Interval1Hour:  10 * day,
	market.Interval2Hour:  20 * day,
	market.Interval4Hour:  40 * day,
	market.Interval6Hour:  2 * month,
	market.Interval12Hour: 4 * month,
	market.Interval1Day:   6 * month,
	market.Interval1Week:  year,
	market.Interval1Month: 2 * year,
}

// Lookback returns the table entry for interval and anchor.
func Lookback(interval market.Interval, anchor Anchor) (time.Duration, error) {
	table := initialLookback
	if anchor == AnchorEnd {
		table = incrementalLookback
	}
	d, ok := table[interval]
	if !ok {
		return 0, fmt.Errorf("no %s lookback for interval %q: %w", anchor, interval, market.ErrInvalidInterval)
	}
	return d, nil
}

// ComputeTimeWindow turns a reference time into a request window.
// End-anchored windows stop 1ms short of ref so the oldest loaded candle is
// not fetched again.
func ComputeTimeWindow(interval market.Interval, anchor Anchor, ref time.Time) (start, end time.Time, err error) {
	lookback, err := Lookback(interval, anchor)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end = ref
	if anchor == AnchorEnd {
		end = ref.Add(-time.Millisecond)
	}
	return end.Add(-lookback), end, nil
}
