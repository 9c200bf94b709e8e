package session

import (
	"context"

	"chartfeed/internal/chart/backfill"
	"chartfeed/internal/chart/candlestore"
	"chartfeed/internal/chart/live"
	"chartfeed/pkg/market"

	"github.com/google/uuid"
)

// message is anything handled by the reconciler goroutine.
type message interface{}

type cmdStart struct {
	symbol   string
	interval market.Interval
	reply    chan<- error
}

// cmdSwitch keeps the current symbol or interval when the field is empty.
type cmdSwitch struct {
	symbol   string
	interval market.Interval
	reply    chan<- error
}

type cmdStop struct {
	reply chan<- error
}

type cmdBackground struct {
	reply chan<- error
}

type cmdResume struct {
	reply chan<- error
}

type seriesReply struct {
	candles []candlestore.Candle
	err     error
}

type cmdSeries struct {
	reply chan<- seriesReply
}

type snapshotReply struct {
	update SeriesUpdate
	err    error
}

type cmdSnapshot struct {
	reply chan<- snapshotReply
}

type cmdStatus struct {
	reply chan<- Status
}

type msgVisibleRange struct {
	from, to int64
}

type msgTick struct {
	session uuid.UUID
	tick    live.Tick
}

type msgBackfill struct {
	session uuid.UUID
	result  backfill.Result
}

type msgSubscribed struct {
	session uuid.UUID
	gen     int
	sub     Subscription
	cancel  context.CancelFunc
	err     error
}

type msgStreamClosed struct {
	session uuid.UUID
	gen     int
	err     error
}
