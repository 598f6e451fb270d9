package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-converter/pkg/job"
)

const defaultPollInterval = 250 * time.Millisecond

// RedisQueue keeps bodies in <name>:messages, waiting ids in the
// <name>:pending list and receipts in the <name>:inflight sorted set scored
// by their visibility deadline.
type RedisQueue struct {
	redis        *redis.Client
	name         string
	pollInterval time.Duration
	now          func() time.Time
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		redis:        client,
		name:         name,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// KEYS: messages, pending, inflight, receives, receipts.
// ARGV: now millis, deadline millis, new receipt.
// Expired receipts go back to pending before the next id is claimed.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, receipt in ipairs(expired) do
	local id = redis.call('HGET', KEYS[5], receipt)
	redis.call('ZREM', KEYS[3], receipt)
	redis.call('HDEL', KEYS[5], receipt)
	if id and redis.call('HEXISTS', KEYS[1], id) == 1 then
		redis.call('RPUSH', KEYS[2], id)
	end
end
local id = redis.call('LPOP', KEYS[2])
while id do
	local body = redis.call('HGET', KEYS[1], id)
	if body then
		local n = redis.call('HINCRBY', KEYS[4], id, 1)
		redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
		redis.call('HSET', KEYS[5], ARGV[3], id)
		return {id, body, n}
	end
	id = redis.call('LPOP', KEYS[2])
end
return false
`)

// KEYS: messages, inflight, receives, receipts. ARGV: receipt.
var deleteScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[4], ARGV[1])
if not id then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[1], id)
redis.call('HDEL', KEYS[3], id)
return 1
`)

func (q *RedisQueue) Publish(ctx context.Context, msg job.Message) (string, error) {
	body, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues body without validating it.
func (q *RedisQueue) PublishRaw(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("messages"), id, body)
		pipe.RPush(ctx, q.key("pending"), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", id, err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error) {
	deadline := q.now().Add(wait)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx, visibility)
		if err != nil && d == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if d != nil || err != nil {
			return d, err
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := q.now()
	receipt := uuid.NewString()
	keys := []string{q.key("messages"), q.key("pending"), q.key("inflight"), q.key("receives"), q.key("receipts")}

	reply, err := claimScript.Run(ctx, q.redis, keys, now.UnixMilli(), now.Add(visibility).UnixMilli(), receipt).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("receive: unexpected script reply of %d items", len(reply))
	}

	id, _ := reply[0].(string)
	body, _ := reply[1].(string)
	count, _ := reply[2].(int64)
	d := &Delivery{
		ID:           id,
		Receipt:      receipt,
		ReceiveCount: int(count),
		ReceivedAt:   now,
	}
	if err := decodeInto(d, []byte(body)); err != nil {
		return d, err
	}
	return d, nil
}

func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	keys := []string{q.key("messages"), q.key("inflight"), q.key("receives"), q.key("receipts")}
	deleted, err := deleteScript.Run(ctx, q.redis, keys, receipt).Int()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("delete %s: %w", receipt, ErrReceiptInvalid)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}

func (q *RedisQueue) key(suffix string) string {
	return q.name + ":" + suffix
}
