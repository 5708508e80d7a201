package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLaunch(t *testing.T, def Bucket) *Launch {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLaunch(rdb, def)
}

func TestLaunch_NilLimiterAllows(t *testing.T) {
	var l *Launch
	ok, err := l.Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Nil(t, NewLaunch(nil, PerMinute(10)))
}

func TestLaunch_UnconfiguredKeyAllows(t *testing.T) {
	l := newTestLaunch(t, Bucket{})
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(context.Background(), "gpt-5-mini")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLaunch_BucketExhausts(t *testing.T) {
	l := newTestLaunch(t, Bucket{})
	// Near-zero refill keeps the bucket empty once drained.
	l.SetBucket("grok-4", Bucket{Capacity: 3, RefillRate: 0.000001})

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), "grok-4")
		require.NoError(t, err)
		assert.True(t, ok, "launch %d should fit the burst", i)
	}
	ok, err := l.Allow(context.Background(), "grok-4")
	require.NoError(t, err)
	assert.False(t, ok, "the bucket is empty")
}

func TestLaunch_RefillsOverTime(t *testing.T) {
	l := newTestLaunch(t, Bucket{})
	l.SetBucket("grok-4", Bucket{Capacity: 1, RefillRate: 1})

	now := time.Now()
	l.clock = func() time.Time { return now }

	ok, err := l.Allow(context.Background(), "grok-4")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "grok-4")
	require.NoError(t, err)
	require.False(t, ok)

	// Two seconds later one token is back (capped at capacity).
	l.clock = func() time.Time { return now.Add(2 * time.Second) }
	ok, err = l.Allow(context.Background(), "grok-4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(context.Background(), "grok-4")
	require.NoError(t, err)
	assert.False(t, ok, "refill never exceeds capacity")
}

func TestLaunch_DefaultBucketAppliesToUnknownKeys(t *testing.T) {
	l := newTestLaunch(t, Bucket{Capacity: 1, RefillRate: 0.000001})

	ok, err := l.Allow(context.Background(), "some-model")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "some-model")
	require.NoError(t, err)
	assert.False(t, ok)

	// Buckets are per key: a different model has its own tokens.
	ok, err = l.Allow(context.Background(), "other-model")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLaunch_FailsOpenOnRedisError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewLaunch(rdb, PerMinute(10))
	mr.Close()

	ok, allowErr := l.Allow(context.Background(), "gpt-5-mini")
	require.Error(t, allowErr)
	assert.True(t, ok, "a dead Redis must not block launches")
}

func TestPerMinute(t *testing.T) {
	b := PerMinute(30)
	assert.Equal(t, int64(30), b.Capacity)
	assert.InDelta(t, 0.5, b.RefillRate, 1e-9)

	assert.Equal(t, Bucket{}, PerMinute(0))
	assert.Equal(t, Bucket{}, PerMinute(-5))
}
