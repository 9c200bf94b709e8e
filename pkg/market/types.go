package market

import "time"

// HistoryQuery is one page request against the historical candle API.
type HistoryQuery struct {
	Symbol    string
	Interval  Interval
	StartTime time.Time
	EndTime   time.Time
	Page      int // 1-based
	PageSize  int
}

// HistoryResponse is the body returned by the history endpoint.
// Rows are ordered newest first.
type HistoryResponse struct {
	Data    []HistoryRow `json:"data"`
	HasMore bool         `json:"has_more"`
}

// HistoryRow is one candle as returned by the history endpoint.
// Fields are pointers so that nulls survive decoding and can be rejected by the caller.
type HistoryRow struct {
	Timestamp *int64   `json:"timestamp"` // open time, milliseconds since epoch
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Close     *float64 `json:"close"`
	Volume    *float64 `json:"volume"`
}

// StreamRequest selects one push-stream subscription.
type StreamRequest struct {
	Symbol       string   `json:"symbol"`
	Interval     Interval `json:"interval"`
	IncludeOHLCV bool     `json:"include_ohlcv"`
}

// StreamEvent is one push-stream message. Only OHLCV feeds the candle series;
// Price and Change drive the ticker display.
type StreamEvent struct {
	Price     float64      `json:"price"`
	Change    float64      `json:"change"`
	Timestamp int64        `json:"timestamp"`
	OHLCV     *StreamOHLCV `json:"ohlcv,omitempty"`
}

// StreamOHLCV is the candle carried by a push-stream event.
type StreamOHLCV struct {
	OpenTime *int64   `json:"open_time"` // milliseconds since epoch
	Open     *float64 `json:"open"`
	High     *float64 `json:"high"`
	Low      *float64 `json:"low"`
	Close    *float64 `json:"close"`
	Volume   *float64 `json:"volume"`
	IsClosed bool     `json:"isClosed"` // true once the bucket is final
}

// controlMessage covers subscription acks, pongs and errors sent by the stream.
type controlMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}
