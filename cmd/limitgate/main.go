package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"limitgate/internal/config"
	"limitgate/internal/engine"
	"limitgate/internal/policy"
	"limitgate/internal/server"
	"limitgate/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	table, err := policy.New(cfg.Policies, logger)
	if err != nil {
		logger.Error("policy table invalid", "err", err)
		os.Exit(1)
	}

	eng := engine.New(table, nil, logger, engine.Options{
		DetectLookback: cfg.Engine.DetectLookback,
		DetectInterval: cfg.Engine.DetectInterval,
		StoreRetention: cfg.Engine.StoreRetention,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tree := supervisor.New(eng, cfg.Engine.SweepInterval, logger)
	treeDone := tree.ServeBackground(ctx)

	srv := server.New(eng, logger)
	srv.StartMetrics(cfg.Server.MetricsAddr)

	httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info("listening", "addr", cfg.Server.HTTPAddr, "metrics", cfg.Server.MetricsAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	<-treeDone
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
