package batching_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybatch/dispatch-engine/internal/batching"
)

func TestTokenBucket_StartsFullAndDrains(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	tb := batching.NewTokenBucket(clock, 2, 60)

	require.True(t, tb.TryAcquire(1))
	require.True(t, tb.TryAcquire(1))
	require.False(t, tb.TryAcquire(1))
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	tb := batching.NewTokenBucket(clock, 1, 60) // 1 token per second

	require.True(t, tb.TryAcquire(1))
	require.False(t, tb.TryAcquire(1))

	clock.Advance(1 * time.Second)
	require.True(t, tb.TryAcquire(1))
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	tb := batching.NewTokenBucket(clock, 2, 60)

	clock.Advance(10 * time.Minute)
	require.LessOrEqual(t, tb.Available(), 2.0)
}
