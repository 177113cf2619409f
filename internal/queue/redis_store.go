package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jhult/emailengine/internal/kvstore"
)

// RedisStore implements Store with atomic Lua scripts so every queue
// transition is a single round trip. Key layout, relative to the store
// prefix:
//
//	bull:{queue}:job:{id}   hash   job record
//	bull:{queue}:pending    zset   visible jobs, score = priority order
//	bull:{queue}:delayed    zset   score = nextVisibleAt (unix ms)
//	bull:{queue}:active     zset   score = lease expiry (unix ms)
//	bull:{queue}:completed  list   retention, newest first
//	bull:{queue}:failed     list   retention, newest first
type RedisStore struct {
	kv *kvstore.Redis
}

// NewRedisStore wraps the shared Redis connection.
func NewRedisStore(kv *kvstore.Redis) *RedisStore {
	return &RedisStore{kv: kv}
}

func (s *RedisStore) key(queue, part string) string {
	return fmt.Sprintf("%sbull:%s:%s", s.kv.Prefix(), queue, part)
}

func (s *RedisStore) jobKey(queue, id string) string {
	return s.key(queue, "job:"+id)
}

// putScript indexes the job unless it is currently active; replacing a job
// mid-flight would let two workers hold it at once.
var putScript = redis.NewScript(`
local jobKey, pending, delayed = KEYS[1], KEYS[2], KEYS[3]
local id = ARGV[1]
local status = redis.call("HGET", jobKey, "status")
if status == "active" then
  return 0
end
redis.call("DEL", jobKey)
for i = 4, #ARGV, 2 do
  redis.call("HSET", jobKey, ARGV[i], ARGV[i+1])
end
redis.call("ZREM", pending, id)
redis.call("ZREM", delayed, id)
if ARGV[2] == "pending" then
  redis.call("ZADD", pending, ARGV[3], id)
else
  redis.call("ZADD", delayed, ARGV[3], id)
end
return 1
`)

var reserveScript = redis.NewScript(`
local pending, active, prefix = KEYS[1], KEYS[2], KEYS[3]
local now, leaseUntil, lease, worker = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local ids = redis.call("ZRANGE", pending, 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call("ZREM", pending, id)
local jobKey = prefix .. id
redis.call("HSET", jobKey, "status", "active", "lease", lease, "worker", worker)
redis.call("HINCRBY", jobKey, "attemptsMade", 1)
redis.call("ZADD", active, leaseUntil, id)
return redis.call("HGETALL", jobKey)
`)

// finishScript covers ack and fail: verify the lease, drop from active,
// mark terminal, retain per keep.
var finishScript = redis.NewScript(`
local jobKey, active, retain = KEYS[1], KEYS[2], KEYS[3]
local id, lease, status, finishedAt, extraField, extraVal, keep =
  ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], tonumber(ARGV[7])
local current = redis.call("HGET", jobKey, "lease")
if not current or current ~= lease then
  return -1
end
redis.call("ZREM", active, id)
redis.call("HDEL", jobKey, "lease", "worker")
redis.call("HSET", jobKey, "status", status, "finishedAt", finishedAt)
if extraField ~= "" then
  redis.call("HSET", jobKey, extraField, extraVal)
end
if keep <= 0 then
  redis.call("DEL", jobKey)
else
  redis.call("LPUSH", retain, id)
  redis.call("LTRIM", retain, 0, keep - 1)
end
return 1
`)

var retryScript = redis.NewScript(`
local jobKey, active, delayed = KEYS[1], KEYS[2], KEYS[3]
local id, lease, visibleAt, lastErr = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local current = redis.call("HGET", jobKey, "lease")
if not current or current ~= lease then
  return -1
end
redis.call("ZREM", active, id)
redis.call("HDEL", jobKey, "lease", "worker")
redis.call("HSET", jobKey, "status", "pending", "nextVisibleAt", visibleAt, "lastError", lastErr)
redis.call("ZADD", delayed, visibleAt, id)
return 1
`)

var promoteScript = redis.NewScript(`
local delayed, pending, prefix = KEYS[1], KEYS[2], KEYS[3]
local now = ARGV[1]
local ids = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", delayed, id)
  local jobKey = prefix .. id
  local created = redis.call("HGET", jobKey, "createdAt")
  local priority = tonumber(redis.call("HGET", jobKey, "priority")) or 0
  local score = (tonumber(created) or tonumber(now)) - priority * 1e12
  redis.call("HSET", jobKey, "status", "pending")
  redis.call("ZADD", pending, score, id)
end
return #ids
`)

var reclaimScript = redis.NewScript(`
local active, pending, prefix = KEYS[1], KEYS[2], KEYS[3]
local now = ARGV[1]
local ids = redis.call("ZRANGEBYSCORE", active, "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", active, id)
  local jobKey = prefix .. id
  redis.call("HDEL", jobKey, "lease", "worker")
  local created = redis.call("HGET", jobKey, "createdAt")
  local priority = tonumber(redis.call("HGET", jobKey, "priority")) or 0
  local score = (tonumber(created) or tonumber(now)) - priority * 1e12
  redis.call("HSET", jobKey, "status", "pending")
  redis.call("ZADD", pending, score, id)
end
return #ids
`)

func (s *RedisStore) Put(ctx context.Context, job *Job) error {
	fields := encodeJob(job)
	args := []any{job.ID, job.Status, strconv.FormatFloat(jobIndexScore(job), 'f', -1, 64)}
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := putScript.Run(ctx, s.kv.Client(),
		[]string{s.jobKey(job.Queue, job.ID), s.key(job.Queue, "pending"), s.key(job.Queue, "delayed")},
		args...).Int()
	if err != nil {
		return fmt.Errorf("queue put: %w", err)
	}
	if res == 0 {
		// Active job with the same id: the replacement blob already
		// overwrote the payload source, the in-flight attempt finishes on
		// the old record.
		return nil
	}
	return nil
}

func (s *RedisStore) Reserve(ctx context.Context, queue, workerID string, lease time.Duration, now time.Time) (*Job, error) {
	token := uuid.NewString()
	res, err := reserveScript.Run(ctx, s.kv.Client(),
		[]string{s.key(queue, "pending"), s.key(queue, "active"), s.key(queue, "job:")},
		now.UnixMilli(), now.Add(lease).UnixMilli(), token, workerID).Result()
	if err == redis.Nil || res == nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue reserve: %w", err)
	}
	flat, ok := res.([]any)
	if !ok || len(flat) == 0 {
		return nil, ErrNotFound
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	job := decodeJob(queue, fields)
	job.lease = token
	return job, nil
}

func (s *RedisStore) Ack(ctx context.Context, queue, id, lease, progress string, keep int, now time.Time) error {
	return s.finish(ctx, queue, id, lease, StatusCompleted, "progress", progress, s.key(queue, "completed"), keep, now)
}

func (s *RedisStore) Fail(ctx context.Context, queue, id, lease, lastErr string, keep int, now time.Time) error {
	return s.finish(ctx, queue, id, lease, StatusFailed, "lastError", lastErr, s.key(queue, "failed"), keep, now)
}

func (s *RedisStore) finish(ctx context.Context, queue, id, lease, status, extraField, extraVal, retainKey string, keep int, now time.Time) error {
	res, err := finishScript.Run(ctx, s.kv.Client(),
		[]string{s.jobKey(queue, id), s.key(queue, "active"), retainKey},
		id, lease, status, now.UnixMilli(), extraField, extraVal, keep).Int()
	if err != nil {
		return fmt.Errorf("queue finish: %w", err)
	}
	if res == -1 {
		return ErrStaleLease
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, queue, id, lease string, visibleAt time.Time, lastErr string) error {
	res, err := retryScript.Run(ctx, s.kv.Client(),
		[]string{s.jobKey(queue, id), s.key(queue, "active"), s.key(queue, "delayed")},
		id, lease, visibleAt.UnixMilli(), lastErr).Int()
	if err != nil {
		return fmt.Errorf("queue retry: %w", err)
	}
	if res == -1 {
		return ErrStaleLease
	}
	return nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.kv.Client(),
		[]string{s.key(queue, "delayed"), s.key(queue, "pending"), s.key(queue, "job:")},
		now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("queue promote: %w", err)
	}
	return n, nil
}

func (s *RedisStore) ReclaimExpired(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, s.kv.Client(),
		[]string{s.key(queue, "active"), s.key(queue, "pending"), s.key(queue, "job:")},
		now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("queue reclaim: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := s.kv.Client().HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(queue, fields), nil
}

func (s *RedisStore) Remove(ctx context.Context, queue, id string) error {
	client := s.kv.Client()
	pipe := client.Pipeline()
	pipe.Del(ctx, s.jobKey(queue, id))
	pipe.ZRem(ctx, s.key(queue, "pending"), id)
	pipe.ZRem(ctx, s.key(queue, "delayed"), id)
	pipe.ZRem(ctx, s.key(queue, "active"), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PendingCount(ctx context.Context, queue string) (int64, error) {
	return s.kv.Client().ZCard(ctx, s.key(queue, "pending")).Result()
}

func jobIndexScore(j *Job) float64 {
	if j.Status == StatusPending {
		return score(j)
	}
	return float64(j.NextVisibleAt.UnixMilli())
}

func encodeJob(j *Job) map[string]string {
	return map[string]string{
		"id":            j.ID,
		"queue":         j.Queue,
		"payload":       string(j.Payload),
		"attemptsMade":  strconv.Itoa(j.AttemptsMade),
		"maxAttempts":   strconv.Itoa(j.MaxAttempts),
		"backoffType":   j.Backoff.Type,
		"backoffBase":   strconv.FormatInt(j.Backoff.BaseDelay.Milliseconds(), 10),
		"priority":      strconv.Itoa(j.Priority),
		"nextVisibleAt": strconv.FormatInt(j.NextVisibleAt.UnixMilli(), 10),
		"status":        j.Status,
		"progress":      j.Progress,
		"lastError":     j.LastError,
		"createdAt":     strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		"finishedAt":    strconv.FormatInt(j.FinishedAt.UnixMilli(), 10),
	}
}

func decodeJob(queue string, fields map[string]string) *Job {
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	ms := func(s string) time.Time {
		n, _ := strconv.ParseInt(s, 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	baseMs, _ := strconv.ParseInt(fields["backoffBase"], 10, 64)
	return &Job{
		ID:            fields["id"],
		Queue:         queue,
		Payload:       []byte(fields["payload"]),
		AttemptsMade:  atoi(fields["attemptsMade"]),
		MaxAttempts:   atoi(fields["maxAttempts"]),
		Backoff:       Backoff{Type: fields["backoffType"], BaseDelay: time.Duration(baseMs) * time.Millisecond},
		Priority:      atoi(fields["priority"]),
		NextVisibleAt: ms(fields["nextVisibleAt"]),
		Status:        fields["status"],
		Progress:      fields["progress"],
		LastError:     fields["lastError"],
		CreatedAt:     ms(fields["createdAt"]),
		FinishedAt:    ms(fields["finishedAt"]),
	}
}
