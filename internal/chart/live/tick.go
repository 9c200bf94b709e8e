package live

import (
	"errors"
	"fmt"

	"chartfeed/pkg/market"
)

var (
	// ErrNoOHLCV marks price-only events; they do not feed the candle series.
	ErrNoOHLCV = errors.New("event carries no ohlcv")
	// ErrMalformedTick marks an ohlcv payload with missing fields.
	ErrMalformedTick = errors.New("malformed tick")
)

// Tick is one candle update from the push stream.
type Tick struct {
	OpenTime int64 // milliseconds since epoch
	Open     float64
	High     float64
	Low      float64
	Close    float64
	IsClosed bool
}

// TickFromEvent extracts the candle update from a stream event.
func TickFromEvent(ev market.StreamEvent) (Tick, error) {
	k := ev.OHLCV
	if k == nil {
		return Tick{}, ErrNoOHLCV
	}
	switch {
	case k.OpenTime == nil:
		return Tick{}, fmt.Errorf("%w: open_time is null", ErrMalformedTick)
	case k.Open == nil, k.High == nil, k.Low == nil, k.Close == nil:
		return Tick{}, fmt.Errorf("%w: missing price at open_time %d", ErrMalformedTick, *k.OpenTime)
	}
	return Tick{
		OpenTime: *k.OpenTime,
		Open:     *k.Open,
		High:     *k.High,
		Low:      *k.Low,
		Close:    *k.Close,
		IsClosed: k.IsClosed,
	}, nil
}

// ParseTick decodes a raw stream message into a Tick.
func ParseTick(msg []byte) (Tick, error) {
	ev, err := market.ParseStreamEvent(msg)
	if err != nil {
		return Tick{}, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	return TickFromEvent(ev)
}
