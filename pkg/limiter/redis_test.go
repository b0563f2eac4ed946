package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedisLimiter connects to a local Redis or skips, mirroring how the
// rest of the suite treats external backends.
func newTestRedisLimiter(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreTokenBucket_Integration(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisLimiter(t)
	actor := "gpucoord-test:" + uuid.NewString()
	t.Cleanup(func() { s.client.Del(ctx, "ratelimit:"+actor) })
	policy := Policy{RPM: 60, Burst: 2}

	ok, err := s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.False(t, ok, "burst exhausted, next request must be denied")
}

func TestRedisStoreRefill_Integration(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisLimiter(t)
	actor := "gpucoord-test:" + uuid.NewString()
	t.Cleanup(func() { s.client.Del(ctx, "ratelimit:"+actor) })
	// 600 RPM = 10 tokens/sec, so a drained bucket refills within ~100ms.
	policy := Policy{RPM: 600, Burst: 1}

	ok, err := s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = s.Allow(ctx, actor, policy, 1)
	require.NoError(t, err)
	require.True(t, ok, "bucket must refill at the policy rate")
}

func TestRedisStoreIsolatesActors_Integration(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisLimiter(t)
	actorA := "gpucoord-test:" + uuid.NewString()
	actorB := "gpucoord-test:" + uuid.NewString()
	t.Cleanup(func() {
		s.client.Del(ctx, "ratelimit:"+actorA, "ratelimit:"+actorB)
	})
	policy := Policy{RPM: 60, Burst: 1}

	ok, err := s.Allow(ctx, actorA, policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, actorA, policy, 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Allow(ctx, actorB, policy, 1)
	require.NoError(t, err)
	require.True(t, ok, "one actor's drain must not affect another")
}
