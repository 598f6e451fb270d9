package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-video-converter/internal/app"
	"github.com/imalyk/go-video-converter/internal/auth"
	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/httpapi"
	"github.com/imalyk/go-video-converter/internal/service"
	"github.com/imalyk/go-video-converter/internal/transcode"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for the given owner id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	embedded := flag.Bool("embedded-worker", false, "run conversion workers in this process")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if *issueToken != "" {
		token, err := verifier.Sign(*issueToken, *tokenTTL)
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *embedded {
		if err := os.MkdirAll(cfg.Transcoder.TempDir, 0o755); err != nil {
			log.Fatalf("failed to create temp dir: %v", err)
		}
	}

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise backend: %v", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close backends", "error", err)
		}
	}()

	svc := service.New(service.ConfigFrom(cfg), deps.Jobs, deps.Queue, deps.Objects, logger)
	server := httpapi.NewServer(svc, verifier, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting api", "addr", cfg.HTTP.Addr)
		return server.Serve(gctx, cfg.HTTP.Addr)
	})
	if *embedded {
		engine := transcode.NewFFmpeg(cfg.Transcoder, logger)
		g.Go(func() error {
			logger.Info("starting embedded workers", "concurrency", cfg.Worker.Concurrency)
			return app.RunSupervisors(gctx, cfg, deps, engine, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("backend stopped with error", "error", err)
		return
	}
	logger.Info("backend stopped")
}
