package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "minio", cfg.Objects.Driver)
	assert.Equal(t, 20*time.Second, cfg.Queue.Wait)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 5*time.Second, cfg.Queue.ErrorBackoff)
	assert.Equal(t, "outputs/", cfg.Objects.OutputPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Objects.PresignTTL)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("QUEUE_WAIT", "2s")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "not-a-duration")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("S3_OUTPUT_PREFIX", "converted/")

	cfg := FromEnv()

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Queue.Wait)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout, "malformed value falls back")
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.True(t, cfg.Objects.UseSSL)
	assert.Equal(t, "converted/", cfg.Objects.OutputPrefix)
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()
	cfg.Store.Driver = "dynamo"
	assert.Error(t, cfg.Validate())

	cfg = FromEnv()
	cfg.Objects.Driver = "gcs"
	assert.Error(t, cfg.Validate())

	cfg = FromEnv()
	cfg.Queue.VisibilityTimeout = cfg.Queue.Wait
	assert.Error(t, cfg.Validate())

	cfg = FromEnv()
	cfg.Worker.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = FromEnv()
	assert.Error(t, cfg.ValidateAPI(), "api process needs a JWT secret")
	cfg.Auth.JWTSecret = "s3cret"
	assert.NoError(t, cfg.ValidateAPI())
}
