package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-converter/pkg/job"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := job.New("job-1", "alice", "uploads/alice/a.mov", job.FormatMP4, epoch)
		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, "uploads/alice/a.mov", got.InputKey)
		assert.Equal(t, job.FormatMP4, got.TargetFormat)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Empty(t, got.OutputKey)
		assert.Empty(t, got.Error)
		assert.True(t, epoch.Equal(got.CreatedAt))
		assert.True(t, epoch.Equal(got.UpdatedAt))
		require.NoError(t, got.Validate())

		err = s.Create(ctx, job.New("job-1", "bob", "other", job.FormatAVI, epoch))
		assert.ErrorIs(t, err, ErrDuplicateKey)

		got, err = s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID, "duplicate create must not overwrite")

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransitionLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("job-1", "alice", "in.mov", job.FormatWEBM, epoch)))

		started := epoch.Add(time.Second)
		got, err := s.Transition(ctx, "job-1", job.Processing(started))
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.EqualValues(t, 1, got.Attempts)
		assert.True(t, started.Equal(got.UpdatedAt))

		require.NoError(t, s.SetProgress(ctx, "job-1", 42))
		got, err = s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.EqualValues(t, 42, got.Progress)

		// Redelivery re-enters PROCESSING and resets progress.
		got, err = s.Transition(ctx, "job-1", job.Processing(started.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.EqualValues(t, 2, got.Attempts)
		assert.Zero(t, got.Progress)

		got, err = s.Transition(ctx, "job-1", job.Completed("outputs/job-1.webm", started.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, "outputs/job-1.webm", got.OutputKey)
		assert.Empty(t, got.Error)
		assert.EqualValues(t, 100, got.Progress)
		require.NoError(t, got.Validate())

		// Terminal states are immutable.
		_, err = s.Transition(ctx, "job-1", job.Failed("late", started.Add(3*time.Minute)))
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = s.Transition(ctx, "job-1", job.Processing(started.Add(3*time.Minute)))
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, s.SetProgress(ctx, "job-1", 5))
		got, err = s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, "outputs/job-1.webm", got.OutputKey)
		assert.EqualValues(t, 100, got.Progress, "progress ignored outside PROCESSING")
	})
}

func TestTransitionFailedAndGuards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("job-1", "alice", "in.mov", job.FormatMKV, epoch)))

		_, err := s.Transition(ctx, "job-1", job.Completed("outputs/job-1.mkv", epoch))
		assert.ErrorIs(t, err, ErrInvalidTransition, "QUEUED cannot complete directly")
		_, err = s.Transition(ctx, "job-1", job.Failed("boom", epoch))
		assert.ErrorIs(t, err, ErrInvalidTransition, "QUEUED cannot fail directly")

		_, err = s.Transition(ctx, "missing", job.Processing(epoch))
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Transition(ctx, "job-1", job.Processing(epoch))
		require.NoError(t, err)
		got, err := s.Transition(ctx, "job-1", job.Failed("transcode failed: bad input", epoch))
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, "transcode failed: bad input", got.Error)
		assert.Empty(t, got.OutputKey)
		require.NoError(t, got.Validate())

		_, err = s.Transition(ctx, "job-1", job.Completed("outputs/job-1.mkv", epoch))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestListByOwnerNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("a", "alice", "1", job.FormatMP4, epoch)))
		require.NoError(t, s.Create(ctx, job.New("b", "alice", "2", job.FormatMP4, epoch.Add(2*time.Second))))
		require.NoError(t, s.Create(ctx, job.New("c", "alice", "3", job.FormatMP4, epoch.Add(time.Second))))
		require.NoError(t, s.Create(ctx, job.New("d", "bob", "4", job.FormatMP4, epoch.Add(3*time.Second))))

		jobs, err := s.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		assert.Equal(t, []string{"b", "c", "a"}, ids)

		jobs, err = s.ListByOwner(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, jobs)
		assert.Empty(t, jobs)
	})
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, job.New("job-1", "alice", "in", job.FormatMP4, epoch)))
		_, err := s.Transition(ctx, "job-1", job.Processing(epoch))
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			winners  atomic.Int32
			rejected atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var u job.Update
				if i%2 == 0 {
					u = job.Completed(fmt.Sprintf("outputs/%d.mp4", i), epoch)
				} else {
					u = job.Failed(fmt.Sprintf("worker %d", i), epoch)
				}
				_, err := s.Transition(ctx, "job-1", u)
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, ErrInvalidTransition):
					rejected.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, winners.Load())
		assert.EqualValues(t, 7, rejected.Load())
		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, got.Status.Terminal())
		require.NoError(t, got.Validate())
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), job.New("job-1", "alice", "in", job.FormatAVI, epoch)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.FormatAVI, got.TargetFormat)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_jobs.sql"))
	assert.Equal(t, 12, migrationVersion("12_more.sql"))
	assert.Equal(t, 0, migrationVersion("notes.sql"))
}
