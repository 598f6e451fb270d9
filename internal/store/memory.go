package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/imalyk/go-video-converter/pkg/job"
)

// MemoryStore keeps jobs in process memory. It backs STORE_DRIVER=memory
// and the tests of the layers above the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*job.Job)}
}

func (m *MemoryStore) Create(_ context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("create: job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("create %s: %w", j.ID, ErrDuplicateKey)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*job.Job, error) {
	m.mu.RLock()
	ret := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			ret = append(ret, j.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(ret)
	return ret, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, u job.Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	}
	next, err := u.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) SetProgress(_ context.Context, id string, pct int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == job.StatusProcessing {
		j.Progress = clampProgress(pct)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
