// Package service implements the operations exposed to authenticated
// clients: submitting conversions, reading their jobs, and handing out
// short-lived upload and download URLs. Every read is scoped to the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/objectstore"
	"github.com/imalyk/go-video-converter/internal/queue"
	"github.com/imalyk/go-video-converter/internal/store"
	"github.com/imalyk/go-video-converter/pkg/job"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("job not found")
	ErrForbidden  = errors.New("job belongs to another user")
	ErrNotReady   = errors.New("job output is not ready")
)

type Config struct {
	UploadPrefix string
	OutputPrefix string
	PresignTTL   time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		UploadPrefix: cfg.Objects.UploadPrefix,
		OutputPrefix: cfg.Objects.OutputPrefix,
		PresignTTL:   cfg.Objects.PresignTTL,
	}
}

type Submission struct {
	JobID        string     `json:"jobId"`
	Status       job.Status `json:"status"`
	TargetFormat job.Format `json:"targetFormat"`
	OutputKey    string     `json:"outputKey"`
}

type DownloadHandle struct {
	JobID     string    `json:"jobId"`
	OutputKey string    `json:"outputKey"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type UploadHandle struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	ContentType string    `json:"contentType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type Service struct {
	cfg     Config
	jobs    store.Store
	queue   queue.Queue
	objects objectstore.Store
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

func New(cfg Config, jobs store.Store, q queue.Queue, objects objectstore.Store, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		jobs:    jobs,
		queue:   q,
		objects: objects,
		logger:  logger.With("component", "service"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Submit records a QUEUED job and publishes its work item. Nothing is
// written when validation fails.
func (s *Service) Submit(ctx context.Context, ownerID, inputKey, targetFormat string) (*Submission, error) {
	inputKey = strings.TrimSpace(inputKey)
	if err := validateKey(inputKey); err != nil {
		return nil, err
	}
	format, err := job.ParseFormat(targetFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	j, err := s.create(ctx, ownerID, inputKey, format)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("job_id", j.ID, "owner_id", ownerID)

	msg := job.Message{JobID: j.ID, InputKey: inputKey, TargetFormat: format}
	if _, err := s.queue.Publish(ctx, msg); err != nil {
		logger.Error("failed to publish work item", "error", err)
		s.abandon(ctx, j.ID, err, logger)
		return nil, fmt.Errorf("publish job %s: %w", j.ID, err)
	}

	logger.Info("job queued", "input", inputKey, "format", format)
	return &Submission{
		JobID:        j.ID,
		Status:       job.StatusQueued,
		TargetFormat: format,
		OutputKey:    job.OutputKey(s.cfg.OutputPrefix, j.ID, format),
	}, nil
}

// create allocates an id and writes the record, drawing a second id if the
// first one collides.
func (s *Service) create(ctx context.Context, ownerID, inputKey string, format job.Format) (*job.Job, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		j := job.New(s.newID(), ownerID, inputKey, format, s.now())
		if err = s.jobs.Create(ctx, j); err == nil {
			return j, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("create job: %w", err)
		}
	}
	return nil, fmt.Errorf("create job: %w", err)
}

// abandon moves a job whose work item never reached the queue to FAILED so
// it does not sit QUEUED forever. The store only allows FAILED from
// PROCESSING, so it passes through PROCESSING first.
func (s *Service) abandon(ctx context.Context, id string, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.jobs.Transition(ctx, id, job.Processing(s.now())); err != nil {
		logger.Error("failed to fail unpublished job", "error", err)
		return
	}
	if _, err := s.jobs.Transition(ctx, id, job.Failed("enqueue failed: "+cause.Error(), s.now())); err != nil {
		logger.Error("failed to fail unpublished job", "error", err)
	}
}

func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*job.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, jobID)
	}
	return j, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]*job.Job, error) {
	jobs, err := s.jobs.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) Download(ctx context.Context, ownerID, jobID string) (*DownloadHandle, error) {
	j, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, jobID, j.Status)
	}

	u, err := s.objects.PresignDownload(ctx, j.OutputKey)
	if err != nil {
		return nil, err
	}
	return &DownloadHandle{
		JobID:     j.ID,
		OutputKey: j.OutputKey,
		URL:       u.String(),
		ExpiresAt: s.now().Add(s.cfg.PresignTTL).UTC(),
	}, nil
}

// PresignUpload returns a PUT URL under the caller's upload prefix.
func (s *Service) PresignUpload(ctx context.Context, ownerID, filename, contentType string) (*UploadHandle, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !strings.HasPrefix(contentType, "video/") {
		return nil, fmt.Errorf("%w: content type %q is not a video type", ErrValidation, contentType)
	}

	key := s.cfg.UploadPrefix + ownerID + "/" + s.newID() + "-" + name
	u, err := s.objects.PresignUpload(ctx, key, contentType)
	if err != nil {
		return nil, err
	}
	return &UploadHandle{
		Key:         key,
		URL:         u.String(),
		Method:      "PUT",
		ContentType: contentType,
		ExpiresAt:   s.now().Add(s.cfg.PresignTTL).UTC(),
	}, nil
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: inputKey is required", ErrValidation)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: inputKey must be relative", ErrValidation)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: inputKey must not contain '..'", ErrValidation)
	}
	return nil
}

// sanitizeFilename keeps the base name and replaces anything outside a
// conservative character set.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
