// Package app wires the configured backends together for the two process
// entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/objectstore"
	"github.com/imalyk/go-video-converter/internal/queue"
	"github.com/imalyk/go-video-converter/internal/store"
	"github.com/imalyk/go-video-converter/internal/supervisor"
	"github.com/imalyk/go-video-converter/internal/transcode"
)

// Deps holds the shared backends. One Redis client serves both the store
// and the queue when both use Redis; Close releases it once.
type Deps struct {
	Jobs    store.Store
	Queue   queue.Queue
	Objects objectstore.Store

	closers []func() error
}

func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{}

	var redisClient *redis.Client
	if cfg.Store.Driver == "redis" || cfg.Queue.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	switch cfg.Store.Driver {
	case "redis":
		d.Jobs = store.NewRedisStore(redisClient)
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Jobs = s
		d.closers = append(d.closers, s.Close)
	case "memory":
		d.Jobs = store.NewMemoryStore()
	default:
		d.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.Queue.Driver {
	case "redis":
		d.Queue = queue.NewRedisQueue(redisClient, cfg.Queue.Name)
	case "memory":
		d.Queue = queue.NewMemoryQueue()
	default:
		d.Close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	switch cfg.Objects.Driver {
	case "minio":
		m, err := objectstore.NewMinIO(cfg.Objects)
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.Objects = m
	case "local":
		l, err := objectstore.NewLocal(cfg.Objects.LocalDir)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Objects = l
	default:
		d.Close()
		return nil, fmt.Errorf("unknown object driver %q", cfg.Objects.Driver)
	}

	logger.Info("backends ready",
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"objects", cfg.Objects.Driver,
	)
	return d, nil
}

func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// RunSupervisors runs WORKER_CONCURRENCY independent supervisor loops until
// ctx is cancelled.
func RunSupervisors(ctx context.Context, cfg config.Config, d *Deps, engine transcode.Engine, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		sup := supervisor.New(supervisor.ConfigFrom(cfg), d.Jobs, d.Queue, d.Objects, engine, logger.With("worker", i))
		g.Go(func() error {
			return sup.Run(gctx)
		})
	}
	return g.Wait()
}
