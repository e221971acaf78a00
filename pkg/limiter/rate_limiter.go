package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter rate limiter interface
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KeyedTokenBucket keeps one token bucket per key, so independent
// (owner, channel) pairs never contend for the same budget. Buckets
// are created lazily and allow bursts up to the configured size.
type KeyedTokenBucket struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewKeyedTokenBucket creates a keyed token bucket limiter
func NewKeyedTokenBucket(r rate.Limit, burst int) *KeyedTokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &KeyedTokenBucket{
		limit:   r,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *KeyedTokenBucket) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow checks if the request is allowed for the key
func (l *KeyedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

// Tokens reports the remaining token count for a key, for tests and
// backlog metrics.
func (l *KeyedTokenBucket) Tokens(key string) float64 {
	return l.bucket(key).Tokens()
}

// SlidingWindowLimiter sliding window rate limiter using Redis, for
// deployments where dispatcher instances share one send budget.
type SlidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter
func NewSlidingWindowLimiter(client *redis.Client, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Allow checks if the request is allowed
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	rateLimitKey := fmt.Sprintf("notify_rate:%s", key)

	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local window_seconds = tonumber(ARGV[4])

		-- Remove expired entries
		redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

		-- Get current count in window
		local current = redis.call('ZCARD', key)

		if current < limit then
			-- Add current request
			redis.call('ZADD', key, now, now)
			redis.call('EXPIRE', key, window_seconds)
			return 1
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, script,
		[]string{rateLimitKey},
		now,
		windowStart,
		l.limit,
		int(l.window.Seconds())).Int()

	if err != nil {
		return false, err
	}

	return result == 1, nil
}
