// Package transcode converts a local media file into one of the supported
// output formats by driving an external encoder.
package transcode

import (
	"context"
	"fmt"

	"github.com/imalyk/go-video-converter/pkg/job"
)

// Source is a media file already fetched to local disk.
type Source struct {
	Path string
}

// Output is the converted file, left next to the source for the caller to
// upload. The workspace owns its lifetime.
type Output struct {
	Path        string
	ContentType string
	Size        int64
}

// ProgressFunc receives a completion percentage in [0, 100].
type ProgressFunc func(pct int64)

type Engine interface {
	Convert(ctx context.Context, in Source, format job.Format, progress ProgressFunc) (*Output, error)
}

// Error is the single failure kind reported by an Engine. Diagnostic holds
// the tail of the encoder's own output.
type Error struct {
	Format     job.Format
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcode failed: %s", e.Diagnostic)
}

func (e *Error) Unwrap() error {
	return e.Err
}
