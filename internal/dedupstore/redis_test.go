package dedupstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Minute)
}

func TestStore_MarkThenHasProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seen, err := s.HasProcessed(ctx, "u1", "m1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "u1", "m1"))

	seen, err = s.HasProcessed(ctx, "u1", "m1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestStore_MarkProcessedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MarkProcessed(ctx, "u1", "m1"))
	require.NoError(t, s.MarkProcessed(ctx, "u1", "m1"))
}

func TestStore_DistinctUsersDoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MarkProcessed(ctx, "u1", "shared-id"))

	seen, err := s.HasProcessed(ctx, "u2", "shared-id")
	require.NoError(t, err)
	require.False(t, seen)
}
