package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local keeps objects as files under a root directory. It backs
// OBJECT_DRIVER=local for single-machine runs; presigned URLs are file URLs.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve object root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Download(ctx context.Context, key, localPath string) error {
	src, err := l.path(key)
	if err != nil {
		return err
	}
	if err := copyFile(ctx, src, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("download %s: %w", key, ErrObjectNotFound)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

func (l *Local) Upload(ctx context.Context, key, localPath, _ string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := copyFile(ctx, localPath, dst); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (l *Local) PresignUpload(_ context.Context, key, _ string) (*url.URL, error) {
	return l.fileURL(key)
}

func (l *Local) PresignDownload(_ context.Context, key string) (*url.URL, error) {
	return l.fileURL(key)
}

func (l *Local) fileURL(key string) (*url.URL, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(p)}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
