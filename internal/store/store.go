// Package store persists job records.
//
// Implementations keep no business logic beyond the state machine guard:
// Transition is a single conditional write that succeeds only when the
// stored status is one of job.AllowedFrom(update.Status). Callers never read
// before writing, so concurrent supervisors cannot lose each other's updates.
package store

import (
	"context"
	"errors"

	"github.com/imalyk/go-video-converter/pkg/job"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateKey      = errors.New("job id already exists")
	ErrInvalidTransition = job.ErrInvalidTransition
)

type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	// ListByOwner returns the owner's jobs ordered newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*job.Job, error)
	Transition(ctx context.Context, id string, u job.Update) (*job.Job, error)
	// SetProgress records a progress percentage while the job is PROCESSING
	// and is a no-op in any other state.
	SetProgress(ctx context.Context, id string, pct int64) error
	Close() error
}

func clampProgress(pct int64) int64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
