package limiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func setupRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client
}

func TestKeyedTokenBucket_BurstThenExhausted(t *testing.T) {
	// Near-zero refill so the burst is effectively the whole budget.
	l := NewKeyedTokenBucket(rate.Limit(0.0001), 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := l.Allow(ctx, "owner1:email")
		assert.NoError(t, err)
		assert.True(t, allowed, "request %d should be within burst", i+1)
	}

	allowed, err := l.Allow(ctx, "owner1:email")
	assert.NoError(t, err)
	assert.False(t, allowed, "6th request should be rejected")
}

func TestKeyedTokenBucket_KeysAreIndependent(t *testing.T) {
	l := NewKeyedTokenBucket(rate.Limit(0.0001), 1)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "owner1:email")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "owner1:email")
	assert.False(t, allowed, "owner1 budget exhausted")

	// A different key still has its own budget.
	allowed, _ = l.Allow(ctx, "owner2:email")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "owner1:sms")
	assert.True(t, allowed)
}

func TestKeyedTokenBucket_Replenishes(t *testing.T) {
	l := NewKeyedTokenBucket(rate.Limit(100), 1)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "k")
	require.True(t, allowed)
	allowed, _ = l.Allow(ctx, "k")
	require.False(t, allowed)

	time.Sleep(20 * time.Millisecond)

	allowed, _ = l.Allow(ctx, "k")
	assert.True(t, allowed, "bucket should refill over time")
}

func TestSlidingWindowLimiter(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	t.Run("AllowWithinLimit", func(t *testing.T) {
		l := NewSlidingWindowLimiter(client, 5, time.Minute)

		for i := 0; i < 5; i++ {
			allowed, err := l.Allow(ctx, fmt.Sprintf("owner%d:webhook", i))
			assert.NoError(t, err)
			assert.True(t, allowed)
		}
	})

	t.Run("RejectAfterLimit", func(t *testing.T) {
		l := NewSlidingWindowLimiter(client, 1, time.Minute)

		allowed, err := l.Allow(ctx, "shared:email")
		assert.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = l.Allow(ctx, "shared:email")
		assert.NoError(t, err)
		assert.False(t, allowed, "2nd request in window should be rejected")
	})
}
