package recipient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/channel"
	"queuebell/internal/clock"
	"queuebell/internal/queue"
)

func TestNormalizePerChannel(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{DefaultRegion: "us"}, clock.NewFake(time.Unix(0, 0)))

	tests := []struct {
		ch, raw, want string
	}{
		{channel.SMS, "(201) 555-0123", "+12015550123"},
		{channel.WhatsAppAPI, "+1 201 555 0123", "12015550123"},
		{channel.WhatsAppWeb, "12015550123", "12015550123@c.us"},
		{channel.WhatsAppWeb, "12015550123@c.us", "12015550123@c.us"},
		{channel.SMS, "+44 121 234 5678", "+441212345678"},
		{channel.Telegram, " 12345 ", "12345"},
	}
	for _, tc := range tests {
		got, err := n.Normalize(tc.ch, tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{}, clock.NewFake(time.Unix(0, 0)))
	_, err := n.Normalize(channel.SMS, "not a number")
	require.Error(t, err)
	_, err = n.Normalize(channel.Telegram, "abc")
	require.Error(t, err)
}

func TestNormalizeIsCached(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	n := NewNormalizer(Config{CacheTTL: time.Minute}, clk)
	_, err := n.Normalize(channel.SMS, "+12015550123")
	require.NoError(t, err)
	require.Equal(t, 1, n.cache.Len())

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, n.Purge())
}

func TestResolve(t *testing.T) {
	t.Parallel()
	e := queue.Entry{ID: "e1", CustomerPhone: "+12015550123"}

	_, err := Resolve(e, channel.Telegram)
	require.ErrorIs(t, err, ErrNoIdentifier)

	got, err := Resolve(e, channel.WhatsAppWeb)
	require.NoError(t, err)
	require.Equal(t, "+12015550123", got)

	e.TelegramChatID = 42
	got, err = Resolve(e, channel.Telegram)
	require.NoError(t, err)
	require.Equal(t, "42", got)
}
