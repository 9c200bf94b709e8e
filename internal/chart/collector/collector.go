// Package collector wires config, market clients, the chart controller and
// the optional archive into one running pipeline.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chartfeed/config"
	"chartfeed/internal/chart/archive"
	"chartfeed/internal/chart/session"
	"chartfeed/pkg/market"
	"chartfeed/pkg/storage/postgres"

	"go.uber.org/zap"
)

// Collector is a running chart pipeline.
type Collector struct {
	Controller *session.Controller

	archiver *archive.Archiver
	db       *postgres.PostgresClient
	health   healthChecker
	cancel   context.CancelFunc
	runDone  chan struct{}
	logger   *zap.Logger
}

type healthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// ControllerOptions maps the chart section onto controller options.
func ControllerOptions(cfg config.ChartConfig) session.Options {
	return session.Options{
		ChunkSize:         cfg.ChunkSize,
		MaxBackfillChunks: cfg.MaxBackfillChunks,
		EdgeThreshold:     cfg.EdgeThreshold,
		FocusWindow:       cfg.FocusWindow,
		RequestTimeout:    cfg.RequestTimeout,
		RequestRetries:    cfg.RequestRetries,
	}
}

// StartCollector starts the reconciler, opens the configured chart and, when
// enabled, archives every update to postgres.
func StartCollector(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Collector, error) {
	interval, err := market.ParseInterval(cfg.Chart.Interval)
	if err != nil {
		return nil, err
	}

	restClient := market.NewRESTClient(cfg.Feed.REST.BaseURL, cfg.Feed.REST.Timeout)
	wsClient := market.NewWSClient(cfg.Feed.WS.URL, cfg.Feed.WS.Timeout, cfg.Feed.WS.PingInterval, logger)

	opts := ControllerOptions(cfg.Chart)
	opts.OnError = func(err error) {
		logger.Debug("controller reported error", zap.Error(err))
	}
	ctrl := session.New(restClient, session.WSStream{Client: wsClient}, opts, logger)

	runCtx, cancel := context.WithCancel(ctx)
	c := &Collector{
		Controller: ctrl,
		cancel:     cancel,
		runDone:    make(chan struct{}),
		logger:     logger,
	}

	go func() {
		defer close(c.runDone)
		if err := ctrl.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("controller stopped", zap.Error(err))
		}
	}()

	if cfg.Archive.Enabled {
		db, err := postgres.InitializeAndMigrate(ctx, cfg.Postgres, cfg.Log.Environment, cfg.Archive.CreateDB)
		if err != nil {
			c.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		c.db = db
		c.health = db
		c.archiver = archive.New(db, cfg.Archive.WriteTimeout, logger)

		go c.archiver.Follow(runCtx, ctrl)
		go c.archiver.RunRetention(runCtx, cfg.Archive.Retention)
	}

	if err := ctrl.Start(ctx, cfg.Chart.Symbol, interval); err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start chart: %w", err)
	}

	go c.report(runCtx, 5*time.Second)

	return c, nil
}

// report periodically logs the series size for visibility.
func (c *Collector) report(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.reportOnce(ctx); err != nil {
			return
		}
	}
}

// reportOnce logs the series and, when archiving, the database health.
func (c *Collector) reportOnce(ctx context.Context) error {
	st, err := c.Controller.Status(ctx)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Stringer("state", st.State),
		zap.String("symbol", st.Symbol),
		zap.Stringer("interval", st.Interval),
		zap.Int("candles", st.SeriesLen),
		zap.Int("closed", len(st.ClosedBuckets)),
		zap.Stringer("backfill", st.Backfill.Phase),
	}
	if c.archiver != nil {
		fields = append(fields,
			zap.Int64("archived", c.archiver.Written()),
			zap.Int64("archive_failures", c.archiver.Failed()))
	}
	c.logger.Info("current chart series", fields...)

	if c.health != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		healthy := c.health.IsHealthy(pctx)
		cancel()
		if !healthy {
			c.logger.Warn("archive database unreachable, candle writes will fail",
				zap.String("symbol", st.Symbol))
		}
	}
	return nil
}

// Resume reconnects after the process was backgrounded or the stream dropped.
func (c *Collector) Resume(ctx context.Context) error {
	return c.Controller.Resume(ctx)
}

// Shutdown stops the session, the reconciler and the archive.
func (c *Collector) Shutdown(ctx context.Context) error {
	err := c.Controller.Stop(ctx)
	c.cancel()
	<-c.runDone
	if c.db != nil {
		if cerr := c.db.Close(); cerr != nil {
			c.logger.Warn("failed to close postgres", zap.Error(cerr))
		}
	}
	if errors.Is(err, session.ErrClosed) {
		return nil
	}
	return err
}
