package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/imalyk/go-video-converter/pkg/job"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each job in a hash at job:<id> and indexes owners in a
// sorted set scored by creation time.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// KEYS: job hash, owner index. ARGV: score, id, field/value pairs...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// KEYS: job hash. ARGV: increment attempts flag, N, N allowed statuses,
// field/value pairs... Replies {0} when missing, {2, current} when the
// current status does not allow the move, {1, hash...} on success.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return {0}
end
local n = tonumber(ARGV[2])
local allowed = false
for i = 3, 2 + n do
	if ARGV[i] == cur then
		allowed = true
	end
end
if not allowed then
	return {2, cur}
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3 + n))
if ARGV[1] == '1' then
	redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
local res = {1}
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all do
	res[#res + 1] = all[i]
end
return res
`)

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'progress', ARGV[2])
	return 1
end
return 0
`)

func (s *RedisStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("create: job id is required")
	}
	args := []interface{}{j.CreatedAt.UnixMilli(), j.ID}
	for k, v := range encodeJob(j) {
		args = append(args, k, v)
	}
	created, err := createScript.Run(ctx, s.redis, []string{jobKey(j.ID), ownerKey(j.OwnerID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create %s: %w", j.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("create %s: %w", j.ID, ErrDuplicateKey)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.redis.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return decodeJob(fields)
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*job.Job, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner %s: %w", ownerID, err)
	}
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list owner %s: %w", ownerID, err)
	}

	ret := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		ret = append(ret, j)
	}
	return ret, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, u job.Update) (*job.Job, error) {
	allowed := job.AllowedFrom(u.Status)
	args := make([]interface{}, 0, 2+len(allowed)+10)
	if u.Status == job.StatusProcessing {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	args = append(args, len(allowed))
	for _, st := range allowed {
		args = append(args, string(st))
	}
	for k, v := range updateFields(u) {
		args = append(args, k, v)
	}

	reply, err := transitionScript.Run(ctx, s.redis, []string{jobKey(id)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("transition %s: empty script reply", id)
	}
	code, _ := reply[0].(int64)
	switch code {
	case 0:
		return nil, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	case 2:
		return nil, fmt.Errorf("transition %s: %w: %v -> %s", id, ErrInvalidTransition, reply[1], u.Status)
	}

	fields := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return decodeJob(fields)
}

func (s *RedisStore) SetProgress(ctx context.Context, id string, pct int64) error {
	err := progressScript.Run(ctx, s.redis, []string{jobKey(id)}, string(job.StatusProcessing), clampProgress(pct)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("progress %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// updateFields maps a transition onto hash fields, clearing whatever the
// target state forbids.
func updateFields(u job.Update) map[string]interface{} {
	fields := map[string]interface{}{
		"status":     string(u.Status),
		"updated_at": formatTime(u.UpdatedAt),
	}
	switch u.Status {
	case job.StatusProcessing:
		fields["output_key"] = ""
		fields["error"] = ""
		fields["progress"] = 0
	case job.StatusCompleted:
		fields["output_key"] = u.OutputKey
		fields["error"] = ""
		fields["progress"] = 100
	case job.StatusFailed:
		fields["output_key"] = ""
		fields["error"] = u.Error
	}
	return fields
}

func encodeJob(j *job.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":            j.ID,
		"owner_id":      j.OwnerID,
		"input_key":     j.InputKey,
		"target_format": string(j.TargetFormat),
		"output_key":    j.OutputKey,
		"status":        string(j.Status),
		"error":         j.Error,
		"progress":      j.Progress,
		"attempts":      j.Attempts,
		"created_at":    formatTime(j.CreatedAt),
		"updated_at":    formatTime(j.UpdatedAt),
	}
}

func decodeJob(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:           fields["id"],
		OwnerID:      fields["owner_id"],
		InputKey:     fields["input_key"],
		TargetFormat: job.Format(fields["target_format"]),
		OutputKey:    fields["output_key"],
		Status:       job.Status(fields["status"]),
		Error:        fields["error"],
	}
	var err error
	if j.Progress, err = parseInt64(fields["progress"]); err != nil {
		return nil, fmt.Errorf("decode job %s progress: %w", j.ID, err)
	}
	if j.Attempts, err = parseInt64(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("decode job %s attempts: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s updated_at: %w", j.ID, err)
	}
	return j, nil
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf("jobs:owner:%s", ownerID)
}
