// Package config builds the process-wide configuration once at startup.
//
// Values come from the environment, optionally seeded from a .env file in the
// working directory. Malformed numeric or duration values fall back to their
// defaults rather than failing startup; Validate rejects combinations that
// cannot work.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel slog.Level

	Redis      RedisConfig
	Store      StoreConfig
	Queue      QueueConfig
	Objects    ObjectConfig
	Transcoder TranscoderConfig
	Worker     WorkerConfig
	HTTP       HTTPConfig
	Auth       AuthConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver     string // redis | sqlite | memory
	SQLitePath string
}

type QueueConfig struct {
	Driver            string // redis | memory
	Name              string
	Wait              time.Duration
	VisibilityTimeout time.Duration
	ErrorBackoff      time.Duration
}

type ObjectConfig struct {
	Driver       string // minio | local
	LocalDir     string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	Region       string
	Bucket       string
	UploadPrefix string
	OutputPrefix string
	PresignTTL   time.Duration
}

type TranscoderConfig struct {
	TempDir         string
	FFMPEGPath      string
	FFProbePath     string
	Preset          string
	VideoCRF        int
	AudioBitrate    string
	ProgressBackoff time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type HTTPConfig struct {
	Addr string
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	tempDir := os.Getenv("WORKER_TMP_DIR")
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return Config{
		LogLevel: parseLevel(os.Getenv("LOG_LEVEL")),
		Redis: RedisConfig{
			Addr:     valueOrDefault(os.Getenv("REDIS_ADDR"), "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt(os.Getenv("REDIS_DB"), 0),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(valueOrDefault(os.Getenv("STORE_DRIVER"), "redis")),
			SQLitePath: valueOrDefault(os.Getenv("SQLITE_PATH"), "data/jobs.db"),
		},
		Queue: QueueConfig{
			Driver:            strings.ToLower(valueOrDefault(os.Getenv("QUEUE_DRIVER"), "redis")),
			Name:              valueOrDefault(os.Getenv("QUEUE_NAME"), "video:jobs"),
			Wait:              parseDuration(os.Getenv("QUEUE_WAIT"), 20*time.Second),
			VisibilityTimeout: parseDuration(os.Getenv("QUEUE_VISIBILITY_TIMEOUT"), 5*time.Minute),
			ErrorBackoff:      parseDuration(os.Getenv("QUEUE_ERROR_BACKOFF"), 5*time.Second),
		},
		Objects: ObjectConfig{
			Driver:       strings.ToLower(valueOrDefault(os.Getenv("OBJECT_DRIVER"), "minio")),
			LocalDir:     valueOrDefault(os.Getenv("OBJECT_LOCAL_DIR"), "data/objects"),
			Endpoint:     valueOrDefault(os.Getenv("MINIO_ENDPOINT"), "localhost:9000"),
			AccessKey:    valueOrDefault(os.Getenv("MINIO_ACCESS_KEY"), "minio"),
			SecretKey:    valueOrDefault(os.Getenv("MINIO_SECRET_KEY"), "minio123"),
			UseSSL:       parseBool(os.Getenv("MINIO_USE_SSL"), false),
			Region:       os.Getenv("MINIO_REGION"),
			Bucket:       valueOrDefault(os.Getenv("S3_BUCKET"), "videos"),
			UploadPrefix: valueOrDefault(os.Getenv("S3_UPLOAD_PREFIX"), "uploads/"),
			OutputPrefix: valueOrDefault(os.Getenv("S3_OUTPUT_PREFIX"), "outputs/"),
			PresignTTL:   parseDuration(os.Getenv("PRESIGN_TTL"), 30*time.Minute),
		},
		Transcoder: TranscoderConfig{
			TempDir:         tempDir,
			FFMPEGPath:      valueOrDefault(os.Getenv("FFMPEG_PATH"), "ffmpeg"),
			FFProbePath:     valueOrDefault(os.Getenv("FFPROBE_PATH"), "ffprobe"),
			Preset:          valueOrDefault(os.Getenv("FFMPEG_PRESET"), "medium"),
			VideoCRF:        parseInt(os.Getenv("VIDEO_CRF"), 23),
			AudioBitrate:    valueOrDefault(os.Getenv("AUDIO_BITRATE"), "128k"),
			ProgressBackoff: parseDuration(os.Getenv("PROGRESS_UPDATE_BACKOFF"), time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: parseInt(os.Getenv("WORKER_CONCURRENCY"), 1),
		},
		HTTP: HTTPConfig{
			Addr: valueOrDefault(os.Getenv("HTTP_ADDR"), ":8080"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			JWTIssuer: os.Getenv("JWT_ISSUER"),
		},
	}
}

// Validate checks settings shared by both processes.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.Queue.Driver)
	}
	switch c.Objects.Driver {
	case "minio", "local":
	default:
		return fmt.Errorf("unknown OBJECT_DRIVER %q", c.Objects.Driver)
	}
	if c.Objects.Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	if c.Queue.Wait <= 0 {
		return errors.New("QUEUE_WAIT must be positive")
	}
	if c.Queue.VisibilityTimeout <= c.Queue.Wait {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT (%s) must exceed QUEUE_WAIT (%s)", c.Queue.VisibilityTimeout, c.Queue.Wait)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// ValidateAPI adds the checks only the HTTP process needs.
func (c Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
