package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/imalyk/go-video-converter/pkg/job"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const jobColumns = `id, owner_id, input_key, target_format, output_key, status, error, progress, attempts, created_at, updated_at`

// SQLiteStore is the single-node job store. Timestamps are stored as unix
// nanoseconds so created_at orders exactly.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer of a migration file name ("001_jobs.sql" -> 1).
func migrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

func (s *SQLiteStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("create: job id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, j.OwnerID, j.InputKey, string(j.TargetFormat), j.OutputKey, string(j.Status), j.Error,
		j.Progress, j.Attempts, j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("create %s: %w", j.ID, ErrDuplicateKey)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	ret := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list owner %s: %w", ownerID, err)
		}
		ret = append(ret, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list owner %s: %w", ownerID, err)
	}
	return ret, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, u job.Update) (*job.Job, error) {
	allowed := job.AllowedFrom(u.Status)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("transition %s: %w: -> %s", id, ErrInvalidTransition, u.Status)
	}

	var set string
	args := []interface{}{string(u.Status), u.UpdatedAt.UnixNano()}
	switch u.Status {
	case job.StatusProcessing:
		set = `output_key = '', error = '', progress = 0, attempts = attempts + 1`
	case job.StatusCompleted:
		set = `output_key = ?, error = '', progress = 100`
		args = append(args, u.OutputKey)
	case job.StatusFailed:
		set = `output_key = '', error = ?`
		args = append(args, u.Error)
	}
	args = append(args, id)
	placeholders := make([]string, len(allowed))
	for i, st := range allowed {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?, `+set+`
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
		 RETURNING `+jobColumns,
		args...,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}

	// Nothing matched: tell a missing job apart from a forbidden move.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}
	return nil, fmt.Errorf("transition %s: %w: %s -> %s", id, ErrInvalidTransition, current, u.Status)
}

func (s *SQLiteStore) SetProgress(ctx context.Context, id string, pct int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ? AND status = ?`,
		clampProgress(pct), id, string(job.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("progress %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                    job.Job
		format, status       string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.InputKey,
		&format,
		&j.OutputKey,
		&status,
		&j.Error,
		&j.Progress,
		&j.Attempts,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	j.TargetFormat = job.Format(format)
	j.Status = job.Status(status)
	j.CreatedAt = time.Unix(0, createdAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &j, nil
}
