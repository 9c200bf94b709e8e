package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInterval is returned when an interval label is not in the table.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is the chart interval label used across the service (e.g. "1m", "1d").
type Interval string

// IntervalMeta holds the wire values and bucket duration for an Interval.
type IntervalMeta struct {
	APIValue string // exchange style value, e.g. "1", "60", "D"
	Label    string // label sent to the history API and the push stream
	Minutes  int
}

const (
	Interval1Min   Interval = "1m"
	Interval3Min   Interval = "3m"
	Interval5Min   Interval = "5m"
	Interval15Min  Interval = "15m"
	Interval30Min  Interval = "30m"
	Interval1Hour  Interval = "1h"
	Interval2Hour  Interval = "2h"
	Interval4Hour  Interval = "4h"
	Interval6Hour  Interval = "6h"
	Interval12Hour Interval = "12h"
	Interval1Day   Interval = "1d"
	Interval1Week  Interval = "1w"
	Interval1Month Interval = "1M"
)

// intervals maps Interval to its API value and bucket size
var intervals = map[Interval]IntervalMeta{
	Interval1Min:   {APIValue: "1", Label: "1m", Minutes: 1},
	Interval3Min:   {APIValue: "3", Label: "3m", Minutes: 3},
	Interval5Min:   {APIValue: "5", Label: "5m", Minutes: 5},
	Interval15Min:  {APIValue: "15", Label: "15m", Minutes: 15},
	Interval30Min:  {APIValue: "30", Label: "30m", Minutes: 30},
	Interval1Hour:  {APIValue: "60", Label: "1h", Minutes: 60},
	Interval2Hour:  {APIValue: "120", Label: "2h", Minutes: 120},
	Interval4Hour:  {APIValue: "240", Label: "4h", Minutes: 240},
	Interval6Hour:  {APIValue: "360", Label: "6h", Minutes: 360},
	Interval12Hour: {APIValue: "720", Label: "12h", Minutes: 720},
	Interval1Day:   {APIValue: "D", Label: "1d", Minutes: 1440},  // 24*60
	Interval1Week:  {APIValue: "W", Label: "1w", Minutes: 10080}, // 7*24*60
	Interval1Month: {APIValue: "M", Label: "1M", Minutes: 43200}, // 30*24*60, buckets are fixed 30 days
}

// byAPIValue lets exchange style values ("60", "D") resolve to an Interval.
var byAPIValue = func() map[string]Interval {
	m := make(map[string]Interval, len(intervals))
	for iv, meta := range intervals {
		m[meta.APIValue] = iv
	}
	return m
}()

// IsValid checks if the Interval is a known interval
func (i Interval) IsValid() bool {
	_, ok := intervals[i]
	return ok
}

// Meta returns the table entry for i. The zero value is returned for unknown intervals.
func (i Interval) Meta() IntervalMeta {
	return intervals[i]
}

// Duration is the bucket width of the interval.
func (i Interval) Duration() time.Duration {
	return time.Duration(intervals[i].Minutes) * time.Minute
}

// Millis is the bucket width in milliseconds. Zero for unknown intervals.
func (i Interval) Millis() int64 {
	return int64(intervals[i].Minutes) * 60_000
}

// Seconds is the bucket width in seconds.
func (i Interval) Seconds() int64 {
	return int64(intervals[i].Minutes) * 60
}

// Bucket returns the index of the interval-aligned slot containing tsMillis.
func (i Interval) Bucket(tsMillis int64) int64 {
	ms := i.Millis()
	if ms == 0 {
		return tsMillis
	}
	return tsMillis / ms
}

func (i Interval) String() string {
	return string(i)
}

// ParseInterval accepts either a label ("1m", "1h") or an API value ("1", "60", "D").
func ParseInterval(s string) (Interval, error) {
	if iv := Interval(s); iv.IsValid() {
		return iv, nil
	}
	if iv, ok := byAPIValue[s]; ok {
		return iv, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

// Intervals lists every supported interval, shortest first.
func Intervals() []Interval {
	return []Interval{
		Interval1Min, Interval3Min, Interval5Min, Interval15Min, Interval30Min,
		Interval1Hour, Interval2Hour, Interval4Hour, Interval6Hour, Interval12Hour,
		Interval1Day, Interval1Week, Interval1Month,
	}
}
