package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-converter/pkg/job"
)

type rawPublisher interface {
	Queue
	PublishRaw(ctx context.Context, body []byte) (string, error)
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q rawPublisher)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryQueue())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:jobs")
		q.pollInterval = 5 * time.Millisecond
		t.Cleanup(func() { _ = q.Close() })
		fn(t, q)
	})
}

func message(id string) job.Message {
	return job.Message{JobID: id, InputKey: "uploads/" + id + ".mov", TargetFormat: job.FormatMP4}
}

func TestPublishReceiveDelete(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx := context.Background()
		id, err := q.Publish(ctx, message("job-1"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		d, err := q.Receive(ctx, time.Second, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, id, d.ID)
		assert.Equal(t, message("job-1"), d.Body)
		assert.Equal(t, 1, d.ReceiveCount)
		assert.NotEmpty(t, d.Receipt)

		// Hidden while in flight.
		again, err := q.Receive(ctx, 20*time.Millisecond, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)

		require.NoError(t, q.Delete(ctx, d.Receipt))
		assert.ErrorIs(t, q.Delete(ctx, d.Receipt), ErrReceiptInvalid)
	})
}

func TestReceiveEmptyReturnsAfterWait(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		start := time.Now()
		d, err := q.Receive(context.Background(), 30*time.Millisecond, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	})
}

func TestReceiveWakesOnPublish(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx := context.Background()
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = q.Publish(ctx, message("late"))
		}()
		d, err := q.Receive(ctx, 5*time.Second, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "late", d.Body.JobID)
	})
}

func TestReceiveHonoursContext(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		d, err := q.Receive(ctx, 5*time.Second, time.Minute)
		assert.Nil(t, d)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx := context.Background()
		_, err := q.Publish(ctx, message("job-1"))
		require.NoError(t, err)

		first, err := q.Receive(ctx, time.Second, 40*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := q.Receive(ctx, 2*time.Second, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second, "item must come back after its visibility deadline")
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.ReceiveCount)
		assert.NotEqual(t, first.Receipt, second.Receipt)

		assert.ErrorIs(t, q.Delete(ctx, first.Receipt), ErrReceiptInvalid, "old receipt is superseded")
		require.NoError(t, q.Delete(ctx, second.Receipt))

		d, err := q.Receive(ctx, 60*time.Millisecond, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, d)
	})
}

func TestMalformedBodySurfacesWithDelivery(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx := context.Background()
		_, err := q.PublishRaw(ctx, []byte(`{"jobId":`))
		require.NoError(t, err)
		_, err = q.PublishRaw(ctx, []byte(`{"jobId":"x","inputKey":"in","targetFormat":"flv"}`))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			d, err := q.Receive(ctx, time.Second, time.Minute)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			require.NotNil(t, d)
			require.NoError(t, q.Delete(ctx, d.Receipt))
		}
	})
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		_, err := q.Publish(context.Background(), job.Message{JobID: "x", TargetFormat: job.FormatMP4})
		assert.Error(t, err)
	})
}

// A single published item must reach exactly one of several concurrent
// consumers while its visibility window is open.
func TestSingleDeliveryAcrossConsumers(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q rawPublisher) {
		ctx := context.Background()
		_, err := q.Publish(ctx, message("job-1"))
		require.NoError(t, err)

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			got []*Delivery
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := q.Receive(ctx, 100*time.Millisecond, time.Minute)
				if err == nil && d != nil {
					mu.Lock()
					got = append(got, d)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, got, 1)
		assert.Equal(t, "job-1", got[0].Body.JobID)
	})
}

func TestMemoryQueueLen(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	_, err := q.Publish(ctx, message("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	d, err := q.Receive(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len(), "in-flight items still count")
	require.NoError(t, q.Delete(ctx, d.Receipt))
	assert.Zero(t, q.Len())
}
