package session

import (
	"chartfeed/internal/chart/candlestore"
	"chartfeed/pkg/market"

	"github.com/google/uuid"
)

// UpdateKind tells the consumer how to apply a SeriesUpdate.
type UpdateKind int

const (
	// UpdateReplace: Candles is the whole series (empty on session reset).
	UpdateReplace UpdateKind = iota
	// UpdateAppend: Candles were added after the previous newest candle.
	UpdateAppend
	// UpdatePrepend: Candles were added before the previous oldest candle.
	UpdatePrepend
	// UpdateTail: the newest candle was rewritten in place.
	UpdateTail
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateAppend:
		return "append"
	case UpdatePrepend:
		return "prepend"
	case UpdateTail:
		return "tail"
	default:
		return "replace"
	}
}

// SeriesUpdate is emitted after every change to the active series.
type SeriesUpdate struct {
	SessionID uuid.UUID
	Symbol    string
	Interval  market.Interval
	Kind      UpdateKind
	Candles   []candlestore.Candle
	// FocusTail > 0 asks the consumer to bring the newest FocusTail candles into view.
	FocusTail int
	// Closed is set when a live candle in Candles was finalized.
	Closed bool
	// ClosedKeys lists the finalized OpenTimes of a Replace, ascending.
	ClosedKeys []int64
}
