package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAllowAndDeny(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	policy := Policy{RPM: 60, Burst: 2}

	ok, err := s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.False(t, ok, "burst exhausted, next request must be denied")
}

func TestMemoryStoreRefill(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	// 600 RPM = 10 tokens/sec, so a drained bucket refills within ~100ms.
	policy := Policy{RPM: 600, Burst: 1}

	ok, err := s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = s.Allow(ctx, "actor", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreIsolatesActors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	policy := Policy{RPM: 60, Burst: 1}

	ok, err := s.Allow(ctx, "a", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(ctx, "b", policy, 1)
	require.NoError(t, err)
	require.True(t, ok, "one actor's drain must not affect another")
}
