package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/clock"
)

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewTTL[string, int](clk, 30*time.Second)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	clk.Advance(29 * time.Second)
	_, ok = c.Get("a")
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestGetOrLoadCachesOnlySuccess(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewTTL[string, string](clk, time.Minute)

	calls := 0
	_, err := c.GetOrLoad("k", func() (string, error) {
		calls++
		return "", errors.New("nope")
	})
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("k", func() (string, error) {
			calls++
			return "v", nil
		})
		require.NoError(t, err)
		require.Equal(t, "v", v)
	}
	require.Equal(t, 2, calls)
}

func TestPurge(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewTTL[int, int](clk, time.Minute)
	c.Set(1, 1)
	clk.Advance(30 * time.Second)
	c.Set(2, 2)
	clk.Advance(31 * time.Second)

	require.Equal(t, 1, c.Purge())
	_, ok := c.Get(2)
	require.True(t, ok)
}
