package market

import (
	"errors"
	"testing"
	"time"
)

// go test -v --run TestParseInterval
func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want Interval
	}{
		{"1m", Interval1Min},
		{"1", Interval1Min},
		{"60", Interval1Hour},
		{"1h", Interval1Hour},
		{"D", Interval1Day},
		{"M", Interval1Month},
		{"1M", Interval1Month},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if err != nil {
			t.Errorf("ParseInterval(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseInterval("7m"); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
}

// go test -v --run TestIntervalBucket
func TestIntervalBucket(t *testing.T) {
	if got := Interval1Min.Millis(); got != 60_000 {
		t.Fatalf("1m millis = %d", got)
	}
	if Interval1Min.Bucket(1000) != Interval1Min.Bucket(59000) {
		t.Error("1000ms and 59000ms should share a 1m bucket")
	}
	if Interval1Min.Bucket(60000) != 1 {
		t.Errorf("60000ms should be bucket 1, got %d", Interval1Min.Bucket(60000))
	}
	if Interval1Day.Duration() != 24*time.Hour {
		t.Errorf("1d duration = %s", Interval1Day.Duration())
	}
	for _, iv := range Intervals() {
		if !iv.IsValid() || iv.Millis() == 0 {
			t.Errorf("interval %s has no table entry", iv)
		}
	}
}
