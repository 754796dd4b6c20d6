// Package ratelimit provides per-user, per-provider token-bucket rate
// limiting for mail provider calls. Bucket state lives in Redis so that
// multiple workers share one budget; when Redis is unavailable the
// limiter falls back to an in-process bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"papergraph/pkg/fault"

	"github.com/redis/go-redis/v9"
)

// Config holds token bucket parameters for one provider.
type Config struct {
	RequestsPerSecond float64       // refill rate
	Burst             int           // bucket capacity
	WaitTimeout       time.Duration // max time a caller blocks before kRateLimited
}

// DefaultConfig returns the default provider budget: 10 req/s, burst 20.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20, WaitTimeout: 10 * time.Second}
}

// tokenBucketScript atomically refills and takes one token. Returns 1
// on success, or the negative wait time in milliseconds until the next
// token.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now_ms = tonumber(ARGV[3])

	local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
	local tokens = tonumber(state[1])
	local updated_ms = tonumber(state[2])
	if tokens == nil then
		tokens = burst
		updated_ms = now_ms
	end

	local elapsed = math.max(0, now_ms - updated_ms)
	tokens = math.min(burst, tokens + elapsed / 1000.0 * rate)

	if tokens >= 1 then
		tokens = tokens - 1
		redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now_ms)
		redis.call('PEXPIRE', key, math.ceil(burst / rate * 2000))
		return 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now_ms)
	redis.call('PEXPIRE', key, math.ceil(burst / rate * 2000))
	return -math.ceil((1 - tokens) / rate * 1000)
`)

// Limiter is a keyed token-bucket limiter.
type Limiter struct {
	redis *redis.Client
	cfg   Config

	mu    sync.Mutex
	local map[string]*localBucket
}

type localBucket struct {
	tokens  float64
	updated time.Time
}

// NewLimiter creates a limiter. redisClient may be nil for tests or
// single-process deployments.
func NewLimiter(redisClient *redis.Client, cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{
		redis: redisClient,
		cfg:   cfg,
		local: make(map[string]*localBucket),
	}
}

// Allow takes one token for key, reporting the wait until the next
// token when the bucket is empty.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis != nil {
		redisKey := fmt.Sprintf("ratelimit:%s", key)
		result, err := tokenBucketScript.Run(ctx, l.redis, []string{redisKey},
			l.cfg.RequestsPerSecond,
			l.cfg.Burst,
			time.Now().UnixMilli(),
		).Int64()
		if err == nil {
			if result == 1 {
				return true, 0
			}
			return false, time.Duration(-result) * time.Millisecond
		}
		// Redis error falls through to the local bucket.
	}
	return l.allowLocal(key)
}

func (l *Limiter) allowLocal(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.local[key]
	if !ok {
		b = &localBucket{tokens: float64(l.cfg.Burst), updated: now}
		l.local[key] = b
	}

	b.tokens += now.Sub(b.updated).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.updated = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
	return false, wait
}

// Wait blocks until a token is available or the wait budget is spent.
// On timeout it returns kRateLimited with the suggested retry-after.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	deadline := time.Now().Add(l.cfg.WaitTimeout)

	for {
		allowed, wait := l.Allow(ctx, key)
		if allowed {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return fault.RateLimited(fmt.Sprintf("rate limit exhausted for %s", key), wait)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
