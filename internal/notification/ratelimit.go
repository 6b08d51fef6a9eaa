package notification

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// RateWindow is the rolling window of the per-rule notification cap
const RateWindow = time.Hour

// RateLimiter admits at most limit events per key within RateWindow.
// Allow records the event when it admits it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (bool, error)
}

// MemoryRateLimiter keeps a sliding log of admitted events per key
type MemoryRateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryRateLimiter creates an in-process limiter
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{events: make(map[string][]time.Time)}
}

// Allow implements RateLimiter
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-RateWindow)
	kept := l.events[key][:0]
	for _, at := range l.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= limit {
		l.events[key] = kept
		return false, nil
	}
	l.events[key] = append(kept, now)
	return true, nil
}

// slidingWindowScript trims the window, then admits and records the event if under the limit
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisRateLimiter shares the sliding window across monitor replicas
type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
}

// NewRedisRateLimiter creates a limiter on client; keys are prefixed with prefix
func NewRedisRateLimiter(client redis.Scripter, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "contract-monitor:"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Allow implements RateLimiter
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	admitted, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + "ratelimit:" + key},
		now.UnixMilli(), RateWindow.Milliseconds(), limit, utils.GenerateID(),
	).Int()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeExternal, "Rate limiter unavailable", err)
	}
	return admitted == 1, nil
}
