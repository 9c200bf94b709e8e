package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartfeed/config"
	"chartfeed/internal/chart/collector"
	"chartfeed/logger"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := collector.StartCollector(ctx, cfg, log)
	if err != nil {
		log.Fatal("collector failed", zap.Error(err))
	}

	// SIGHUP brings the chart back to the foreground: reconnect and refresh.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := c.Resume(ctx); err != nil {
				log.Warn("resume failed", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Shutdown(shutdownCtx); err != nil {
				log.Warn("shutdown failed", zap.Error(err))
			}
			return
		}
	}
}
