package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/internal/objectstore"
	"github.com/imalyk/go-video-converter/internal/queue"
	"github.com/imalyk/go-video-converter/internal/store"
	"github.com/imalyk/go-video-converter/internal/transcode"
	"github.com/imalyk/go-video-converter/pkg/job"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localConfig(t *testing.T) config.Config {
	cfg := config.FromEnv()
	cfg.Store.Driver = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Queue.Wait = 20 * time.Millisecond
	cfg.Objects.Driver = "local"
	cfg.Objects.LocalDir = filepath.Join(t.TempDir(), "objects")
	cfg.Transcoder.TempDir = t.TempDir()
	cfg.Worker.Concurrency = 2
	return cfg
}

func TestBuildMemoryBackends(t *testing.T) {
	d, err := Build(context.Background(), localConfig(t), discard())
	require.NoError(t, err)
	defer d.Close()

	assert.IsType(t, &store.MemoryStore{}, d.Jobs)
	assert.IsType(t, &queue.MemoryQueue{}, d.Queue)
	assert.IsType(t, &objectstore.Local{}, d.Objects)
}

func TestBuildRedisAndSQLite(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := localConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")
	cfg.Queue.Driver = "redis"

	d, err := Build(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, d.Jobs)
	assert.IsType(t, &queue.RedisQueue{}, d.Queue)
	require.NoError(t, d.Close())
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := localConfig(t)
	cfg.Redis.Addr = addr
	cfg.Store.Driver = "redis"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Build(ctx, cfg, discard())
	assert.ErrorContains(t, err, "redis ping")
}

type copyEngine struct{}

func (copyEngine) Convert(_ context.Context, in transcode.Source, format job.Format, progress transcode.ProgressFunc) (*transcode.Output, error) {
	out := filepath.Join(filepath.Dir(in.Path), "output."+string(format))
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return nil, err
	}
	progress(100)
	p, _ := format.Profile()
	return &transcode.Output{Path: out, ContentType: p.ContentType, Size: int64(len(data))}, nil
}

func TestRunSupervisorsEndToEnd(t *testing.T) {
	cfg := localConfig(t)
	d, err := Build(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "clip.mov")
	require.NoError(t, os.WriteFile(src, []byte("frames"), 0o644))
	require.NoError(t, d.Objects.Upload(ctx, "uploads/alice/clip.mov", src, "video/quicktime"))
	require.NoError(t, d.Jobs.Create(ctx, job.New("job-1", "alice", "uploads/alice/clip.mov", job.FormatMOV, time.Now())))
	_, err = d.Queue.Publish(ctx, job.Message{JobID: "job-1", InputKey: "uploads/alice/clip.mov", TargetFormat: job.FormatMOV})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- RunSupervisors(runCtx, cfg, d, copyEngine{}, discard()) }()

	require.Eventually(t, func() bool {
		j, err := d.Jobs.Get(ctx, "job-1")
		return err == nil && j.Status == job.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	out := filepath.Join(t.TempDir(), "out.mov")
	require.NoError(t, d.Objects.Download(ctx, "outputs/job-1.mov", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}
