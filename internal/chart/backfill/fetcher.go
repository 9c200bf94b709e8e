package backfill

import (
	"context"
	"time"

	"chartfeed/pkg/market"

	"go.uber.org/zap"
)

// HistorySource is the paginated historical candle API.
type HistorySource interface {
	QueryHistory(ctx context.Context, q market.HistoryQuery) (market.HistoryResponse, error)
}

// Fetcher runs history queries off the reconciler goroutine. It holds no
// session state and is safe for concurrent use.
type Fetcher struct {
	source  HistorySource
	timeout time.Duration
	retries int
	logger  *zap.Logger
}

// NewFetcher bounds every attempt by timeout (zero disables it) and retries a
// failed attempt up to retries times.
func NewFetcher(source HistorySource, timeout time.Duration, retries int, logger *zap.Logger) *Fetcher {
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		source:  source,
		timeout: timeout,
		retries: retries,
		logger:  logger,
	}
}

// Fetch executes req. Errors are returned inside the Result.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Result {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if f.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		resp, err := f.source.QueryHistory(attemptCtx, req.Query())
		cancel()
		if err == nil {
			return Result{Request: req, Rows: resp.Data, HasMore: resp.HasMore}
		}

		lastErr = err
		f.logger.Warn("history request failed",
			zap.String("symbol", req.Symbol),
			zap.Stringer("interval", req.Interval),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return Result{Request: req, Err: lastErr}
}
