package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"freight/backend/internal/app"
	"freight/backend/internal/config"
	"freight/backend/internal/logger"
	"freight/backend/internal/worker"
)

func main() {
	// Structured logging with correlation IDs pulled from context.
	base := slog.NewJSONHandler(os.Stdout, nil)
	log := slog.New(logger.NewContextHandler(base))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	deps, err := app.Bootstrap(cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	a, err := app.New(cfg, deps.DB, deps.NSQProducer, log)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumers, err := worker.StartConsumers(cfg, a.Lanes, log)
	if err != nil {
		slog.Error("failed to start task consumers", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	if err := a.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
