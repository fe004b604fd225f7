package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, err := bucket.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, left, err := bucket.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, left)

	allowed, err = bucket.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed, "third request within the same instant is rejected")

	allowed, err = bucket.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed, "buckets are per key")

	// the script takes time from the caller, so advancing the clock refills
	clock = clock.Add(1500 * time.Millisecond)
	allowed, err = bucket.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.Exists("fila:rl:10.0.0.1"))
	assert.Greater(t, mr.TTL("fila:rl:10.0.0.1"), time.Duration(0))
}

func TestTokenBucketRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	mr.Close()

	allowed, err := bucket.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(2, 1, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)

	clock = clock.Add(time.Second)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 2, l.Prune())
	assert.Zero(t, l.Prune())
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*Local)(nil)
)
