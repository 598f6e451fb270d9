// Package objectstore moves media between local files and the bucket that
// holds uploads and converted outputs, and issues short-lived URLs that let
// clients talk to the bucket directly.
package objectstore

import (
	"context"
	"errors"
	"net/url"
)

var ErrObjectNotFound = errors.New("object not found")

type Store interface {
	// Download copies the object at key into localPath.
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, key, localPath, contentType string) error
	PresignUpload(ctx context.Context, key, contentType string) (*url.URL, error)
	PresignDownload(ctx context.Context, key string) (*url.URL, error)
}
