package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/imalyk/go-video-converter/internal/config"
)

// MinIO talks to one bucket on an S3-compatible endpoint.
type MinIO struct {
	client     *minio.Client
	bucket     string
	region     string
	presignTTL time.Duration
}

func NewMinIO(cfg config.ObjectConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &MinIO{
		client:     client,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		presignTTL: cfg.PresignTTL,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *MinIO) Download(ctx context.Context, key, localPath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", key, translateError(err))
	}
	return nil
}

func (m *MinIO) Upload(ctx context.Context, key, localPath, contentType string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// PresignUpload signs a PUT that only accepts the given content type.
func (m *MinIO) PresignUpload(ctx context.Context, key, contentType string) (*url.URL, error) {
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	u, err := m.client.PresignHeader(ctx, http.MethodPut, m.bucket, key, m.presignTTL, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("presign upload %s: %w", key, err)
	}
	return u, nil
}

// PresignDownload signs a GET that asks the browser to save the file.
func (m *MinIO) PresignDownload(ctx context.Context, key string) (*url.URL, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.presignTTL, params)
	if err != nil {
		return nil, fmt.Errorf("presign download %s: %w", key, err)
	}
	return u, nil
}

func translateError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
