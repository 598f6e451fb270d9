// Package supervisor runs the worker loop: take one work item, drive its job
// from PROCESSING to a terminal state, acknowledge the item, repeat.
//
// The loop is sequential. Running more supervisors against the same queue is
// how throughput scales; the conditional transitions in the store keep their
// writes from clobbering each other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/objectstore"
	"github.com/imalyk/go-video-converter/internal/queue"
	"github.com/imalyk/go-video-converter/internal/store"
	"github.com/imalyk/go-video-converter/internal/transcode"
	"github.com/imalyk/go-video-converter/pkg/job"
)

type Config struct {
	Wait         time.Duration
	Visibility   time.Duration
	ErrorBackoff time.Duration
	TempDir      string
	OutputPrefix string
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Wait:         cfg.Queue.Wait,
		Visibility:   cfg.Queue.VisibilityTimeout,
		ErrorBackoff: cfg.Queue.ErrorBackoff,
		TempDir:      cfg.Transcoder.TempDir,
		OutputPrefix: cfg.Objects.OutputPrefix,
	}
}

type Supervisor struct {
	cfg     Config
	jobs    store.Store
	queue   queue.Queue
	objects objectstore.Store
	engine  transcode.Engine
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, jobs store.Store, q queue.Queue, objects objectstore.Store, engine transcode.Engine, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		jobs:    jobs,
		queue:   q,
		objects: objects,
		engine:  engine,
		logger:  logger.With("component", "supervisor"),
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. Job failures never stop the loop; queue
// errors pause it for ErrorBackoff.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := s.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to receive from queue", "error", err, "backoff", s.cfg.ErrorBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ErrorBackoff):
			}
		}
	}
}

// Poll handles at most one work item. It reports whether an item was
// received; the error is only ever a queue receive failure.
func (s *Supervisor) Poll(ctx context.Context) (bool, error) {
	d, err := s.queue.Receive(ctx, s.cfg.Wait, s.cfg.Visibility)
	if d == nil {
		return false, err
	}
	if err != nil {
		// Nothing to correlate it with, so drop it.
		s.logger.Error("dropping malformed work item", "message_id", d.ID, "error", err)
		s.ack(ctx, s.logger, d)
		return true, nil
	}

	s.handle(ctx, d)
	return true, nil
}

func (s *Supervisor) handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Body
	logger := s.logger.With("job_id", msg.JobID, "message_id", d.ID, "receive_count", d.ReceiveCount)

	current, err := s.jobs.Transition(ctx, msg.JobID, job.Processing(s.now()))
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		logger.Info("job already finished, dropping redelivered item")
		s.ack(ctx, logger, d)
		return
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("work item references unknown job, dropping")
		s.ack(ctx, logger, d)
		return
	case err != nil:
		logger.Error("failed to mark job processing", "error", err)
		return
	}
	logger.Info("processing job", "input", msg.InputKey, "format", msg.TargetFormat, "attempt", current.Attempts)

	started := s.now()
	outputKey, err := s.process(ctx, msg, logger)
	if err != nil && ctx.Err() != nil {
		logger.Warn("shutting down, abandoning job for redelivery", "error", err)
		return
	}

	if err == nil {
		if _, err := s.jobs.Transition(ctx, msg.JobID, job.Completed(outputKey, s.now())); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				logger.Warn("job was finalised elsewhere", "error", err)
				s.ack(ctx, logger, d)
				return
			}
			logger.Error("failed to mark job completed", "error", err)
			return
		}
		logger.Info("job completed", "output", outputKey, "elapsed", s.now().Sub(started))
		s.ack(ctx, logger, d)
		return
	}

	logger.Error("job failed", "error", err)
	if _, terr := s.jobs.Transition(ctx, msg.JobID, job.Failed(err.Error(), s.now())); terr != nil {
		if !errors.Is(terr, store.ErrInvalidTransition) {
			// Keep the item so a later delivery can retry the bookkeeping.
			logger.Error("failed to mark job failure", "error", terr)
			return
		}
		logger.Warn("job was finalised elsewhere", "error", terr)
	}
	s.ack(ctx, logger, d)
}

// process fetches, converts and stores one job's media inside a private
// workspace. A panic is turned into an error so the loop keeps going.
func (s *Supervisor) process(ctx context.Context, msg job.Message, logger *slog.Logger) (outputKey string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: panic: %v", r)
		}
	}()

	ws, err := transcode.NewWorkspace(s.cfg.TempDir, msg.JobID)
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := ws.Remove(); rerr != nil {
			logger.Warn("failed to remove workspace", "dir", ws.Dir, "error", rerr)
		}
	}()

	inputPath := ws.InputPath(msg.InputKey)
	if err := s.objects.Download(ctx, msg.InputKey, inputPath); err != nil {
		return "", fmt.Errorf("download input: %w", err)
	}

	out, err := s.engine.Convert(ctx, transcode.Source{Path: inputPath}, msg.TargetFormat, func(pct int64) {
		if err := s.jobs.SetProgress(ctx, msg.JobID, pct); err != nil {
			logger.Warn("failed to update progress", "error", err)
		}
	})
	if err != nil {
		return "", err
	}

	outputKey = job.OutputKey(s.cfg.OutputPrefix, msg.JobID, msg.TargetFormat)
	if err := s.objects.Upload(ctx, outputKey, out.Path, out.ContentType); err != nil {
		return "", fmt.Errorf("upload output: %w", err)
	}
	return outputKey, nil
}

func (s *Supervisor) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	if err := s.queue.Delete(ctx, d.Receipt); err != nil {
		if errors.Is(err, queue.ErrReceiptInvalid) {
			logger.Warn("receipt expired before delete, item will be redelivered", "error", err)
			return
		}
		logger.Error("failed to delete work item", "error", err)
	}
}
