package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/clock"
)

func TestWindowBoundsTrailingSixtySeconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1000, 0))
	w := NewWindow(Config{Limit: 30, Window: time.Minute}, clk)

	accepted := 0
	for i := 0; i < 40; i++ {
		if _, ok, err := w.Acquire(ctx, "r"); err == nil && ok {
			accepted++
		}
		clk.Advance(250 * time.Millisecond)
	}
	require.Equal(t, 30, accepted)
	require.Equal(t, 30, w.Count("r"))

	// Other recipients are independent.
	_, ok, err := w.Acquire(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)

	// The first stamp leaves the window 60s after it was taken.
	clk.Advance(50 * time.Second)
	_, ok, _ = w.Acquire(ctx, "r")
	require.True(t, ok)
}

func TestWindowRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(Config{Limit: 1, Window: time.Minute}, clk)

	tok, ok, err := w.Acquire(ctx, "r")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = w.Acquire(ctx, "r")
	require.False(t, ok)

	require.NoError(t, w.Release(ctx, "r", tok))
	_, ok, _ = w.Acquire(ctx, "r")
	require.True(t, ok)
}

func TestWindowCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(Config{}, clk)
	_, _, _ = w.Acquire(ctx, "a")
	clk.Advance(30 * time.Second)
	_, _, _ = w.Acquire(ctx, "b")
	clk.Advance(31 * time.Second)

	require.Equal(t, 1, w.Cleanup(ctx))
	require.Equal(t, 1, w.Count("b"))
}
