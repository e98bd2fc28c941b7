package resiliency

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically so every process sharing
// the Redis instance sees one bucket per service.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares token buckets across processes through Redis. Services
// without a policy are not throttled.
type RedisLimiter struct {
	client   redis.Scripter
	owned    io.Closer
	policies map[string]RateLimit
	prefix   string
	poll     time.Duration
	now      func() time.Time
}

// RedisLimiterOption customizes a RedisLimiter.
type RedisLimiterOption func(*RedisLimiter)

// WithKeyPrefix sets the Redis key prefix. Default "helm-evidence:ratelimit:".
func WithKeyPrefix(prefix string) RedisLimiterOption {
	return func(l *RedisLimiter) { l.prefix = prefix }
}

// WithPollInterval sets how often Wait re-checks an exhausted bucket.
func WithPollInterval(d time.Duration) RedisLimiterOption {
	return func(l *RedisLimiter) { l.poll = d }
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client redis.Scripter, policies map[string]RateLimit, opts ...RedisLimiterOption) *RedisLimiter {
	l := &RedisLimiter{
		client:   client,
		policies: policies,
		prefix:   "helm-evidence:ratelimit:",
		poll:     50 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLimiterFromAddr dials addr and creates a limiter that owns the
// client. Call Close to release it.
func NewRedisLimiterFromAddr(addr, password string, db int, policies map[string]RateLimit, opts ...RedisLimiterOption) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	l := NewRedisLimiter(rdb, policies, opts...)
	l.owned = rdb
	return l
}

// Close releases a client created by NewRedisLimiterFromAddr. A client passed
// to NewRedisLimiter is left to its owner.
func (l *RedisLimiter) Close() error {
	if l.owned == nil {
		return nil
	}
	c := l.owned
	l.owned = nil
	return c.Close()
}

// Allow consumes one token if available.
func (l *RedisLimiter) Allow(ctx context.Context, service string) (bool, error) {
	policy, ok := l.policies[service]
	if !ok || policy.RequestsPerMinute <= 0 {
		return true, nil
	}
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + service},
		policy.perSecond(), policy.burst(), 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Wait implements Limiter.
func (l *RedisLimiter) Wait(ctx context.Context, service string) error {
	for {
		ok, err := l.Allow(ctx, service)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleepContext(ctx, l.poll); err != nil {
			return fmt.Errorf("rate limit %s: %w", service, err)
		}
	}
}
