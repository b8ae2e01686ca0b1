package batching_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybatch/dispatch-engine/internal/batching"
)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	var order []string

	clock.AfterFunc(300*time.Millisecond, func() { order = append(order, "b") })
	clock.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	clock.AfterFunc(500*time.Millisecond, func() { order = append(order, "c") })

	clock.Advance(400 * time.Millisecond)
	require.Equal(t, []string{"a", "b"}, order)

	clock.Advance(200 * time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeClock_StopPreventsFiring(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	fired := false

	timer := clock.AfterFunc(100*time.Millisecond, func() { fired = true })
	timer.Stop()

	clock.Advance(time.Second)
	require.False(t, fired)
}

func TestFakeClock_ResetReschedulesAStoppedTimer(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	fireCount := 0

	timer := clock.AfterFunc(100*time.Millisecond, func() { fireCount++ })
	timer.Stop()
	timer.Reset(50 * time.Millisecond)

	clock.Advance(60 * time.Millisecond)
	require.Equal(t, 1, fireCount)
}
