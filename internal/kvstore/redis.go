package kvstore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jhult/emailengine/internal/config"
	"github.com/jhult/emailengine/internal/metrics"
)

// Redis implements Store on a single-node Redis instance. All keys and
// pub/sub channels are namespaced with the configured prefix.
type Redis struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
	metrics    *metrics.Metrics
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg *config.RedisConfig, m *metrics.Metrics) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		maxRetries: cfg.MaxRetries,
		metrics:    m,
	}, nil
}

// Client exposes the raw client for callers that need atomic scripts.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Prefix returns the configured key prefix.
func (r *Redis) Prefix() string {
	return r.keyPrefix
}

func (r *Redis) key(key string) string {
	return r.keyPrefix + key
}

// do runs op with bounded retries and exponential backoff. Transport errors
// to the store retry before surfacing; callers treat the surfaced error as
// fatal.
func (r *Redis) do(ctx context.Context, op string, fn func() error) error {
	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.KVLatency)
		defer timer.ObserveDuration()
		r.metrics.KVOps.WithLabelValues(op).Inc()
	}

	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || err == redis.Nil {
			return err
		}
		if attempt >= r.maxRetries || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	if r.metrics != nil {
		r.metrics.KVErrors.Inc()
	}
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.do(ctx, "get", func() error {
		var err error
		val, err = r.client.Get(ctx, r.key(key)).Result()
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.do(ctx, "set", func() error {
		return r.client.Set(ctx, r.key(key), value, ttl).Err()
	})
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.do(ctx, "del", func() error {
		return r.client.Del(ctx, full...).Err()
	})
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.do(ctx, "exists", func() error {
		var err error
		n, err = r.client.Exists(ctx, r.key(key)).Result()
		return err
	})
	return n > 0, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.do(ctx, "expire", func() error {
		return r.client.Expire(ctx, r.key(key), ttl).Err()
	})
}

// Scan iterates keys matching pattern, stripping the prefix from results.
func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "scan", func() error {
		keys = keys[:0]
		iter := r.client.Scan(ctx, 0, r.key(pattern), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val()[len(r.keyPrefix):])
		}
		return iter.Err()
	})
	return keys, err
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := r.do(ctx, "hget", func() error {
		var err error
		val, err = r.client.HGet(ctx, r.key(key), field).Result()
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return r.do(ctx, "hset", func() error {
		return r.client.HSet(ctx, r.key(key), flat...).Err()
	})
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var vals map[string]string
	err := r.do(ctx, "hgetall", func() error {
		var err error
		vals, err = r.client.HGetAll(ctx, r.key(key)).Result()
		return err
	})
	return vals, err
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return r.do(ctx, "hdel", func() error {
		return r.client.HDel(ctx, r.key(key), fields...).Err()
	})
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var val int64
	err := r.do(ctx, "hincrby", func() error {
		var err error
		val, err = r.client.HIncrBy(ctx, r.key(key), field, incr).Result()
		return err
	})
	return val, err
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, "sadd", func() error {
		return r.client.SAdd(ctx, r.key(key), toAny(members)...).Err()
	})
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, "srem", func() error {
		return r.client.SRem(ctx, r.key(key), toAny(members)...).Err()
	})
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.do(ctx, "smembers", func() error {
		var err error
		members, err = r.client.SMembers(ctx, r.key(key)).Result()
		return err
	})
	return members, err
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "scard", func() error {
		var err error
		n, err = r.client.SCard(ctx, r.key(key)).Result()
		return err
	})
	return n, err
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return r.do(ctx, "zadd", func() error {
		return r.client.ZAdd(ctx, r.key(key), zs...).Err()
	})
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, "zrem", func() error {
		return r.client.ZRem(ctx, r.key(key), toAny(members)...).Err()
	})
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	var members []string
	err := r.do(ctx, "zrangebyscore", func() error {
		var err error
		members, err = r.client.ZRangeByScore(ctx, r.key(key), opt).Result()
		return err
	})
	return members, err
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "zcard", func() error {
		var err error
		n, err = r.client.ZCard(ctx, r.key(key)).Result()
		return err
	})
	return n, err
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	return r.do(ctx, "lpush", func() error {
		return r.client.LPush(ctx, r.key(key), toAny(values)...).Err()
	})
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.do(ctx, "ltrim", func() error {
		return r.client.LTrim(ctx, r.key(key), start, stop).Err()
	})
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := r.do(ctx, "lrange", func() error {
		var err error
		vals, err = r.client.LRange(ctx, r.key(key), start, stop).Result()
		return err
	})
	return vals, err
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "llen", func() error {
		var err error
		n, err = r.client.LLen(ctx, r.key(key)).Result()
		return err
	})
	return n, err
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.do(ctx, "publish", func() error {
		return r.client.Publish(ctx, r.key(channel), payload).Err()
	})
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, r.key(channel))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	case f == float64(int64(f)):
		return fmt.Sprintf("%d", int64(f))
	default:
		return fmt.Sprintf("%f", f)
	}
}
