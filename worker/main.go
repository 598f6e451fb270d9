package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/imalyk/go-video-converter/internal/app"
	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/transcode"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Transcoder.TempDir, 0o755); err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise worker: %v", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close backends", "error", err)
		}
	}()

	engine := transcode.NewFFmpeg(cfg.Transcoder, logger)

	logger.Info("starting worker", "queue", cfg.Queue.Name, "concurrency", cfg.Worker.Concurrency)
	if err := app.RunSupervisors(ctx, cfg, deps, engine, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		return
	}
	logger.Info("worker stopped")
}
