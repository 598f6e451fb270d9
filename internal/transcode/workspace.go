package transcode

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Workspace is a scratch directory private to one job attempt.
type Workspace struct {
	Dir string
}

func NewWorkspace(baseDir, jobID string) (*Workspace, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(baseDir, sanitizeName(jobID)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// InputPath is where the source object is fetched to. The object key's
// extension is kept so the encoder can sniff the container.
func (w *Workspace) InputPath(key string) string {
	return filepath.Join(w.Dir, "input"+extFromObject(key))
}

func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

func extFromObject(object string) string {
	u, err := url.Parse(object)
	if err == nil && u.Path != "" {
		object = u.Path
	}
	ext := path.Ext(object)
	if strings.ContainsAny(ext, `/\`) || len(ext) > 10 {
		return ""
	}
	return ext
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
