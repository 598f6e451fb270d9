package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-video-converter/pkg/job"
)

type memoryItem struct {
	id       string
	body     []byte
	receives int
	receipt  string
	deadline time.Time
}

// MemoryQueue is the in-process queue behind QUEUE_DRIVER=memory.
type MemoryQueue struct {
	mu       sync.Mutex
	items    map[string]*memoryItem
	pending  []string
	inflight map[string]*memoryItem // by receipt
	wake     chan struct{}
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:    make(map[string]*memoryItem),
		inflight: make(map[string]*memoryItem),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg job.Message) (string, error) {
	body, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues body without validating it.
func (q *MemoryQueue) PublishRaw(_ context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	q.mu.Lock()
	q.items[id] = &memoryItem{id: id, body: append([]byte(nil), body...)}
	q.pending = append(q.pending, id)
	q.signalLocked()
	q.mu.Unlock()
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		d, body, next := q.claimLocked(visibility)
		wake := q.wake
		q.mu.Unlock()
		if d != nil {
			if err := decodeInto(d, body); err != nil {
				return d, err
			}
			return d, nil
		}

		var expiry *time.Timer
		var expired <-chan time.Time
		if !next.IsZero() {
			expiry = time.NewTimer(next.Sub(q.now()))
			expired = expiry.C
		}
		select {
		case <-ctx.Done():
			stopTimer(expiry)
			return nil, ctx.Err()
		case <-timer.C:
			stopTimer(expiry)
			return nil, nil
		case <-wake:
		case <-expired:
		}
		stopTimer(expiry)
	}
}

// claimLocked hands out the next visible item. When none is available it
// returns the earliest in-flight deadline so Receive can wake for it.
func (q *MemoryQueue) claimLocked(visibility time.Duration) (*Delivery, []byte, time.Time) {
	now := q.now()
	var next time.Time
	for receipt, it := range q.inflight {
		if !it.deadline.After(now) {
			delete(q.inflight, receipt)
			it.receipt = ""
			q.pending = append(q.pending, it.id)
			continue
		}
		if next.IsZero() || it.deadline.Before(next) {
			next = it.deadline
		}
	}

	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		it, ok := q.items[id]
		if !ok {
			continue
		}
		it.receives++
		it.receipt = uuid.NewString()
		it.deadline = now.Add(visibility)
		q.inflight[it.receipt] = it

		return &Delivery{
			ID:           it.id,
			Receipt:      it.receipt,
			ReceiveCount: it.receives,
			ReceivedAt:   now,
		}, it.body, time.Time{}
	}
	return nil, nil, next
}

func (q *MemoryQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[receipt]
	if !ok {
		return fmt.Errorf("delete %s: %w", receipt, ErrReceiptInvalid)
	}
	delete(q.inflight, receipt)
	delete(q.items, it.id)
	return nil
}

// Len reports how many items have not been deleted yet.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error { return nil }

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
