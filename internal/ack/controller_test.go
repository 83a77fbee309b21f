package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"queuebell/internal/clock"
	"queuebell/internal/eventbus"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	"queuebell/internal/storage"
)

type recordingReminder struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingReminder) SendNotification(_ context.Context, _ queue.Entry, notifType string, _ router.Options) (router.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, notifType)
	return router.Result{Queued: []string{"telegram"}, Pending: true}, nil
}

func (r *recordingReminder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type harness struct {
	ctx   context.Context
	store queue.Store
	mem   queue.Store
	clk   *clock.Fake
	bus   eventbus.Bus
	rem   *recordingReminder
	c     *Controller
}

func newHarness(t *testing.T, wrap func(queue.Store) queue.Store) *harness {
	t.Helper()
	mem := storage.NewMemory()
	st := mem
	if wrap != nil {
		st = wrap(mem)
	}
	h := &harness{
		ctx:   context.Background(),
		store: st,
		mem:   mem,
		clk:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		bus:   eventbus.New(),
		rem:   &recordingReminder{},
	}
	h.c = New(st, Config{}, Deps{Clock: h.clk, Bus: h.bus})
	h.c.SetReminder(h.rem)
	t.Cleanup(h.c.Shutdown)
	return h
}

func (h *harness) addEntry(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{
		ID:               id,
		CustomerID:       "cust-" + id,
		Status:           queue.StatusWaiting,
		TelegramChatID:   42,
		VerificationCode: "A123",
	}))
}

func (h *harness) call(t *testing.T, id string) {
	t.Helper()
	h.addEntry(t, id)
	e, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.c.OnCalled(h.ctx, e))
}

func (h *harness) status(t *testing.T, id string) queue.Status {
	t.Helper()
	e, err := h.mem.Get(h.ctx, id)
	require.NoError(t, err)
	return e.Status
}

func terminalTransitions(st queue.Store, id string) int {
	n := 0
	for _, tr := range storage.Transitions(st) {
		if tr.EntryID == id && tr.From == queue.StatusCalled && tr.To.Terminal() {
			n++
		}
	}
	return n
}

func TestTimerEscalation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	called, unsub1 := h.bus.Subscribe(8, eventbus.CustomerCalled)
	defer unsub1()
	warn, unsub2 := h.bus.Subscribe(8, eventbus.AckWarning)
	defer unsub2()
	final, unsub3 := h.bus.Subscribe(8, eventbus.AckFinalWarning)
	defer unsub3()
	timeout, unsub4 := h.bus.Subscribe(8, eventbus.NoResponseTimeout)
	defer unsub4()

	t0 := h.clk.Now()
	h.call(t, "e1")
	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))
	ev := <-called
	require.Equal(t, t0.Add(7*time.Minute), *ev.Data.(EntryEvent).Deadline)
	require.Equal(t, "cust-e1", ev.Data.(EntryEvent).CustomerID)

	h.clk.Advance(4*time.Minute - time.Second)
	require.Len(t, warn, 0)
	h.clk.Advance(time.Second)
	require.Len(t, warn, 1)
	require.Len(t, final, 0)

	h.clk.Advance(time.Minute)
	require.Len(t, final, 1)
	fe := (<-final).Data.(EntryEvent)
	require.Equal(t, []string{TypeOnWay, "cancel"}, fe.Actions)
	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))

	h.clk.Advance(2*time.Minute - time.Second)
	require.Len(t, timeout, 0)
	h.clk.Advance(time.Second)
	require.Len(t, timeout, 1)
	require.Equal(t, queue.StatusExpired, h.status(t, "e1"))

	h.clk.Advance(time.Hour)
	require.Len(t, timeout, 1)
	require.Equal(t, 1, terminalTransitions(h.mem, "e1"))
	require.Equal(t, []string{router.TypeWarning, router.TypeFinalWarning, router.TypeNoResponseTimeout}, h.rem.sent())
	require.False(t, h.c.Armed("e1"))
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.call(t, "e1")
	h.clk.Advance(time.Minute)

	eta := 5 * time.Minute
	first, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, &eta)
	require.NoError(t, err)
	require.Equal(t, queue.StatusAcknowledged, first.Status)
	require.Equal(t, first.AcknowledgedAt.Add(eta), *first.EstimatedArrival)
	require.False(t, h.c.Armed("e1"))

	h.clk.Advance(10 * time.Second)
	second, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, &eta)
	require.NoError(t, err)
	require.Equal(t, first, second)

	h.clk.Advance(10 * time.Minute)
	require.Equal(t, queue.StatusAcknowledged, h.status(t, "e1"))
	require.Empty(t, h.rem.sent())
}

func TestAcknowledgeAfterExpiryReturnsExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.call(t, "e1")
	h.clk.Advance(7 * time.Minute)

	eta := 5 * time.Minute
	out, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, &eta)
	require.NoError(t, err)
	require.Equal(t, queue.StatusExpired, out.Status)
	require.Nil(t, out.AcknowledgedAt)
	require.Nil(t, out.EstimatedArrival)
}

func TestAcknowledgeErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addEntry(t, "waiting")

	_, err := h.c.Acknowledge(h.ctx, " ", TypeOnWay, nil)
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.c.Acknowledge(h.ctx, "waiting", "", nil)
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.c.Acknowledge(h.ctx, "waiting", "teleported", nil)
	require.ErrorIs(t, err, ErrValidation)
	neg := -time.Minute
	_, err = h.c.Acknowledge(h.ctx, "waiting", TypeOnWay, &neg)
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.c.Acknowledge(h.ctx, "missing", TypeOnWay, nil)
	require.ErrorIs(t, err, queue.ErrNotFound)

	_, err = h.c.Acknowledge(h.ctx, "waiting", TypeArrived, nil)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, queue.StatusWaiting, h.status(t, "waiting"))
}

func TestRevocationReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	revoked, unsub := h.bus.Subscribe(4, eventbus.NotificationRevoked)
	defer unsub()
	timeout, unsub2 := h.bus.Subscribe(4, eventbus.NoResponseTimeout)
	defer unsub2()

	h.call(t, "e1")
	out, err := h.c.Revoke(h.ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, out.Status)

	e, err := h.mem.Get(h.ctx, "e1")
	require.NoError(t, err)
	require.Empty(t, e.VerificationCode)
	require.Nil(t, e.CalledAt)
	require.False(t, h.c.Armed("e1"))
	require.Equal(t, "A123", (<-revoked).Data.(EntryEvent).VerificationCode)

	h.clk.Advance(7 * time.Minute)
	require.Len(t, timeout, 0)
	require.Equal(t, queue.StatusWaiting, h.status(t, "e1"))
	require.Equal(t, []string{router.TypeRevoked}, h.rem.sent())
}

func TestRevokeAcknowledgedAndRecall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.call(t, "e1")
	_, err := h.c.Acknowledge(h.ctx, "e1", TypeArrived, nil)
	require.NoError(t, err)

	_, err = h.c.Revoke(h.ctx, "e1")
	require.NoError(t, err)
	e, err := h.mem.Get(h.ctx, "e1")
	require.NoError(t, err)
	require.Nil(t, e.AcknowledgedAt)
	require.Empty(t, e.AcknowledgmentType)

	// A new episode arms a fresh set.
	require.NoError(t, h.c.OnCalled(h.ctx, e))
	require.True(t, h.c.Armed("e1"))
	h.clk.Advance(7 * time.Minute)
	require.Equal(t, queue.StatusExpired, h.status(t, "e1"))

	_, err = h.c.Revoke(h.ctx, "e1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	cancelled, unsub := h.bus.Subscribe(4, eventbus.QueueCancelled)
	defer unsub()

	h.call(t, "e1")
	out, err := h.c.Cancel(h.ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, out.Status)
	require.False(t, h.c.Armed("e1"))
	require.Len(t, cancelled, 1)

	again, err := h.c.Cancel(h.ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, again.Status)
	require.Len(t, cancelled, 1)

	ackOut, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, nil)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, ackOut.Status)

	h.addEntry(t, "w")
	out, err = h.c.Cancel(h.ctx, "w")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, out.Status)

	_, err = h.c.Cancel(h.ctx, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSingleTerminalTransitionPerEpisode(t *testing.T) {
	t.Parallel()
	ops := map[string]func(h *harness, id string){
		"ack":     func(h *harness, id string) { _, _ = h.c.Acknowledge(h.ctx, id, TypeOnWay, nil) },
		"cancel":  func(h *harness, id string) { _, _ = h.c.Cancel(h.ctx, id) },
		"timeout": func(h *harness, _ string) { h.clk.Advance(7 * time.Minute) },
	}
	orders := [][]string{
		{"ack", "cancel", "timeout"},
		{"ack", "timeout", "cancel"},
		{"cancel", "ack", "timeout"},
		{"cancel", "timeout", "ack"},
		{"timeout", "ack", "cancel"},
		{"timeout", "cancel", "ack"},
	}
	want := map[string]queue.Status{"ack": queue.StatusAcknowledged, "cancel": queue.StatusCancelled, "timeout": queue.StatusExpired}

	for _, order := range orders {
		h := newHarness(t, nil)
		h.call(t, "e")
		for _, op := range order {
			ops[op](h, "e")
		}
		require.Equal(t, want[order[0]], h.status(t, "e"), "%v", order)
		require.Equal(t, 1, terminalTransitions(h.mem, "e"), "%v", order)
	}
}

func TestRacingAcknowledgeAndAutoCancel(t *testing.T) {
	t.Parallel()
	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		h.call(t, "e")
		h.clk.Advance(7*time.Minute - time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.clk.Advance(time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.c.Acknowledge(h.ctx, "e", TypeOnWay, nil)
		}()
		wg.Wait()

		st := h.status(t, "e")
		require.Contains(t, []queue.Status{queue.StatusAcknowledged, queue.StatusExpired}, st)
		require.Equal(t, 1, terminalTransitions(h.mem, "e"))
	}
}

type flakyStore struct {
	queue.Store
	mu       sync.Mutex
	failures int
}

var errDisk = errors.New("disk I/O error")

func (f *flakyStore) Update(ctx context.Context, id string, fn func(e *queue.Entry) error) (queue.Entry, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return queue.Entry{}, errDisk
	}
	return f.Store.Update(ctx, id, fn)
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func TestAutoCancelRetriesPersistFailure(t *testing.T) {
	t.Parallel()
	var fs *flakyStore
	h := newHarness(t, func(s queue.Store) queue.Store {
		fs = &flakyStore{Store: s}
		return fs
	})
	timeout, unsub := h.bus.Subscribe(4, eventbus.NoResponseTimeout)
	defer unsub()

	h.call(t, "e1")
	h.clk.Advance(6 * time.Minute)
	fs.failNext(1)
	h.clk.Advance(time.Minute)

	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))
	require.True(t, h.c.Armed("e1"))
	require.Len(t, timeout, 0)

	h.clk.Advance(30 * time.Second)
	require.Equal(t, queue.StatusExpired, h.status(t, "e1"))
	require.Len(t, timeout, 1)
	require.False(t, h.c.Armed("e1"))
}

func TestAcknowledgePersistFailureKeepsTimers(t *testing.T) {
	t.Parallel()
	var fs *flakyStore
	h := newHarness(t, func(s queue.Store) queue.Store {
		fs = &flakyStore{Store: s}
		return fs
	})
	h.call(t, "e1")

	fs.failNext(1)
	_, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, nil)
	require.ErrorIs(t, err, errDisk)
	require.True(t, h.c.Armed("e1"))
	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))

	out, err := h.c.Acknowledge(h.ctx, "e1", TypeOnWay, nil)
	require.NoError(t, err)
	require.Equal(t, queue.StatusAcknowledged, out.Status)
}

func TestResumeAfterRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	warn, unsub := h.bus.Subscribe(4, eventbus.AckWarning)
	defer unsub()

	now := h.clk.Now()
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{ID: "recent", Status: queue.StatusCalled, CalledAt: queue.TimePtr(now.Add(-6 * time.Minute))}))
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{ID: "overdue", Status: queue.StatusCalled, CalledAt: queue.TimePtr(now.Add(-10 * time.Minute))}))
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{ID: "waiting", Status: queue.StatusWaiting}))

	called, err := h.mem.ListByStatus(h.ctx, queue.StatusCalled)
	require.NoError(t, err)
	require.Equal(t, 2, h.c.Resume(h.ctx, called))

	h.clk.Advance(0)
	require.Equal(t, queue.StatusExpired, h.status(t, "overdue"))
	require.Equal(t, queue.StatusCalled, h.status(t, "recent"))

	h.clk.Advance(time.Minute)
	require.Equal(t, queue.StatusExpired, h.status(t, "recent"))
	require.Len(t, warn, 0)
}

func TestOnCalledRearmSkipsPastReminders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	warn, unsub := h.bus.Subscribe(4, eventbus.AckWarning, eventbus.AckFinalWarning)
	defer unsub()

	calledAt := h.clk.Now().Add(-6 * time.Minute)
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{ID: "e1", CustomerID: "c1", Status: queue.StatusCalled, TelegramChatID: 42, CalledAt: queue.TimePtr(calledAt)}))
	e, err := h.store.Get(h.ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, h.c.OnCalled(h.ctx, e))
	require.True(t, h.c.Armed("e1"))

	h.clk.Advance(0)
	require.Empty(t, h.rem.sent())
	require.Len(t, warn, 0)
	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))

	h.clk.Advance(time.Minute)
	require.Equal(t, queue.StatusExpired, h.status(t, "e1"))
	require.Equal(t, []string{router.TypeNoResponseTimeout}, h.rem.sent())
}

func TestShutdownStopsTimersWithoutFiring(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.call(t, "e1")
	require.Equal(t, 3, h.clk.Pending())

	h.c.Shutdown()
	require.Equal(t, 0, h.clk.Pending())
	h.clk.Advance(time.Hour)
	require.Equal(t, queue.StatusCalled, h.status(t, "e1"))
	require.Empty(t, h.rem.sent())

	h.addEntry(t, "e2")
	e, err := h.mem.Get(h.ctx, "e2")
	require.NoError(t, err)
	require.Error(t, h.c.OnCalled(h.ctx, e))
}

func TestOnCalledRejectsTerminalEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.mem.Create(h.ctx, queue.Entry{ID: "done", Status: queue.StatusCompleted}))
	e, err := h.mem.Get(h.ctx, "done")
	require.NoError(t, err)
	require.ErrorIs(t, h.c.OnCalled(h.ctx, e), ErrInvalidState)
	require.False(t, h.c.Armed("done"))
}
