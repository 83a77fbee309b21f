package ack

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/channel"
	"queuebell/internal/clock"
	"queuebell/internal/dedup"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	"queuebell/internal/sendqueue"
	"queuebell/internal/storage"
	logx "queuebell/pkg/logx"
)

type telegramStub struct {
	mu       sync.Mutex
	fail     bool
	attempts int
}

func (s *telegramStub) Name() string    { return channel.Telegram }
func (s *telegramStub) Available() bool { return true }

func (s *telegramStub) Send(context.Context, string, channel.Message) (channel.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail {
		return channel.Receipt{}, errors.New("bot was blocked by the user")
	}
	return channel.Receipt{ProviderMessageID: "1"}, nil
}

// wireDelivery connects a controller to a real router and send queue.
func wireDelivery(t *testing.T, snd channel.Sender) (*Controller, *router.Router, *sendqueue.Queue, queue.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := storage.NewMemory()
	q := sendqueue.New(snd, sendqueue.Deps{Clock: clk}, sendqueue.Config{RetryDelay: time.Second})
	r, err := router.New(st, dedup.New(dedup.Config{}, clk), []router.Dispatcher{q}, router.Config{}, router.Deps{Clock: clk})
	require.NoError(t, err)
	c := New(st, Config{}, Deps{Clock: clk})
	c.SetReminder(r)
	r.SetCallObserver(c)
	t.Cleanup(c.Shutdown)

	require.NoError(t, st.Create(context.Background(), queue.Entry{
		ID: "e1", CustomerID: "c1", Status: queue.StatusWaiting, TelegramChatID: 42, VerificationCode: "A1",
	}))
	return c, r, q, st, clk
}

func TestCallIsArmedOnlyAfterDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	snd := &telegramStub{}
	c, r, q, st, _ := wireDelivery(t, snd)

	e, err := st.Get(ctx, "e1")
	require.NoError(t, err)
	_, err = r.SendNotification(ctx, e, router.TypeCalled, router.Options{})
	require.NoError(t, err)
	require.False(t, c.Armed("e1"))

	q.Tick(ctx)
	require.True(t, c.Armed("e1"))
	got, err := st.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCalled, got.Status)
}

func TestUndeliveredCallDoesNotExpireEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	snd := &telegramStub{fail: true}
	c, r, q, st, clk := wireDelivery(t, snd)

	e, err := st.Get(ctx, "e1")
	require.NoError(t, err)
	_, err = r.SendNotification(ctx, e, router.TypeCalled, router.Options{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		q.Tick(ctx)
		clk.Advance(5 * time.Second)
	}
	require.Equal(t, 3, snd.attempts)
	require.False(t, c.Armed("e1"))

	clk.Advance(8 * time.Minute)
	got, err := st.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, got.Status)
	require.Nil(t, got.CalledAt)
}

func TestAcknowledgeIsIdempotentOnSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC))
	c := New(st, Config{}, Deps{Clock: clk})
	t.Cleanup(c.Shutdown)
	require.NoError(t, st.Create(ctx, queue.Entry{ID: "e1", CustomerID: "c1", Status: queue.StatusWaiting}))
	e, err := st.Get(ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, c.OnCalled(ctx, e))

	clk.Advance(90*time.Second + 987654*time.Nanosecond)
	eta := 5 * time.Minute
	first, err := c.Acknowledge(ctx, "e1", TypeOnWay, &eta)
	require.NoError(t, err)
	second, err := c.Acknowledge(ctx, "e1", TypeOnWay, &eta)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.AcknowledgedAt.UnixNano(), second.AcknowledgedAt.UnixNano())
	require.Equal(t, first.EstimatedArrival.UnixNano(), second.EstimatedArrival.UnixNano())
}
