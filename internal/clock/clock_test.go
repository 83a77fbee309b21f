package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(0, 0))
	var got []string
	c.AfterFunc(5*time.Minute, func() { got = append(got, "final") })
	c.AfterFunc(4*time.Minute, func() { got = append(got, "warning") })
	c.AfterFunc(7*time.Minute, func() { got = append(got, "expire") })

	c.Advance(4*time.Minute + 30*time.Second)
	require.Equal(t, []string{"warning"}, got)

	c.Advance(3 * time.Minute)
	require.Equal(t, []string{"warning", "final", "expire"}, got)
	require.Equal(t, 0, c.Pending())
}

func TestFakeStopPreventsCallback(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())

	c.Advance(time.Minute)
	require.False(t, fired)
}

func TestFakeNowDuringCallback(t *testing.T) {
	t.Parallel()
	start := time.Unix(100, 0)
	c := NewFake(start)
	var at time.Time
	c.AfterFunc(10*time.Second, func() { at = c.Now() })

	c.Advance(time.Minute)
	require.Equal(t, start.Add(10*time.Second), at)
	require.Equal(t, start.Add(time.Minute), c.Now())
}

func TestFakeCallbackSchedulesWithinWindow(t *testing.T) {
	t.Parallel()
	c := NewFake(time.Unix(0, 0))
	n := 0
	c.AfterFunc(time.Second, func() {
		n++
		c.AfterFunc(time.Second, func() { n++ })
	})

	c.Advance(5 * time.Second)
	require.Equal(t, 2, n)
}
