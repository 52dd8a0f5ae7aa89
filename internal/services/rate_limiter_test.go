package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_Allow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}

	ok, _ := limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	assert.False(t, ok, "fourth request in the window is rejected")

	ok, _ = limiter.Allow(ctx, "ip:5.6.7.8", 3, time.Minute)
	assert.True(t, ok, "keys are independent")

	now = now.Add(20 * time.Second)
	ok, _ = limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	assert.True(t, ok, "one token refills every window/limit")
}

func TestMemoryRateLimiter_SweepsIdleKeys(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), "a", 1, time.Second)
	require.Len(t, limiter.buckets, 1)

	now = now.Add(5 * time.Second)
	limiter.Allow(context.Background(), "b", 1, time.Second)
	assert.NotContains(t, limiter.buckets, "a")
	assert.Contains(t, limiter.buckets, "b")
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis test")
	}

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis is not available: %v", err)
	}

	key := fmt.Sprintf("rate_limit_test:%d", time.Now().UnixNano())
	defer client.Del(ctx, key)

	limiter := NewRedisRateLimiter(client)
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
