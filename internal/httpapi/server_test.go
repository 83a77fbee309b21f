package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"queuebell/internal/ack"
	"queuebell/internal/clock"
	"queuebell/internal/eventbus"
	"queuebell/internal/metrics"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	"queuebell/internal/storage"
)

type fakeNotifier struct {
	mu      sync.Mutex
	gotType string
	opts    router.Options
	res     router.Result
	err     error
}

func (f *fakeNotifier) SendNotification(_ context.Context, _ queue.Entry, notifType string, opts router.Options) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotType = notifType
	f.opts = opts
	return f.res, f.err
}

func (f *fakeNotifier) set(res router.Result) {
	f.mu.Lock()
	f.res = res
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeNotifier) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fixture struct {
	store    queue.Store
	clk      *clock.Fake
	bus      eventbus.Bus
	acks     *ack.Controller
	notifier *fakeNotifier
	srv      *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		clk:      clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		bus:      eventbus.New(),
		notifier: &fakeNotifier{res: router.Result{Sent: []string{"telegram"}}},
	}
	f.acks = ack.New(f.store, ack.Config{}, ack.Deps{Clock: f.clk, Bus: f.bus})
	t.Cleanup(f.acks.Shutdown)

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg).Notification("telegram", metrics.OutcomeSent)

	s := New(cfg, Deps{
		Acks:     f.acks,
		Notifier: f.notifier,
		Entries:  f.store,
		Bus:      f.bus,
		Gatherer: reg,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) called(t *testing.T, id string) {
	t.Helper()
	e := queue.Entry{ID: id, CustomerID: "cust-" + id, Status: queue.StatusWaiting, TelegramChatID: 7}
	require.NoError(t, f.store.Create(context.Background(), e))
	require.NoError(t, f.acks.OnCalled(context.Background(), e))
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.called(t, "e1")

	code, body := f.post(t, "/v1/acknowledge", `{"entryId":"e1","type":"on_way","eta":5}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "acknowledged", body["status"])
	require.Equal(t, "2026-03-01T12:00:00Z", body["acknowledgedAt"])
	require.Equal(t, "2026-03-01T12:05:00Z", body["estimatedArrival"])

	// repeat returns the same recorded outcome
	f.clk.Advance(time.Minute)
	code, again := f.post(t, "/v1/acknowledge", `{"entryId":"e1","type":"on_way","eta":5}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, body["acknowledgedAt"], again["acknowledgedAt"])
	require.Equal(t, body["estimatedArrival"], again["estimatedArrival"])
}

func TestAcknowledgeErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, f.store.Create(context.Background(), queue.Entry{ID: "waiting", Status: queue.StatusWaiting}))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing entry id", `{"type":"on_way"}`, http.StatusBadRequest},
		{"missing type", `{"entryId":"x"}`, http.StatusBadRequest},
		{"unknown type", `{"entryId":"x","type":"maybe"}`, http.StatusBadRequest},
		{"negative eta", `{"entryId":"x","type":"on_way","eta":-1}`, http.StatusBadRequest},
		{"malformed json", `{"entryId":`, http.StatusBadRequest},
		{"unknown entry", `{"entryId":"nope","type":"arrived"}`, http.StatusNotFound},
		{"not called yet", `{"entryId":"waiting","type":"arrived"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		code, body := f.post(t, "/v1/acknowledge", tt.body)
		require.Equal(t, tt.code, code, tt.name)
		require.NotEmpty(t, body["error"], tt.name)
	}
}

func TestCancelAndRevoke(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.called(t, "c1")
	f.called(t, "r1")

	code, body := f.post(t, "/v1/cancel", `{"entryId":"c1"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", body["status"])

	code, body = f.post(t, "/v1/revoke", `{"entryId":"r1"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "waiting", body["status"])

	code, _ = f.post(t, "/v1/revoke", `{"entryId":"c1"}`)
	require.Equal(t, http.StatusConflict, code)
}

func TestNotify(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, f.store.Create(context.Background(), queue.Entry{ID: "n1", Status: queue.StatusWaiting}))

	code, body := f.post(t, "/v1/notify", `{"entryId":"n1","type":"ready","sendToAll":true}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"telegram"}, body["sent"])
	f.notifier.mu.Lock()
	require.Equal(t, "ready", f.notifier.gotType)
	require.True(t, f.notifier.opts.SendToAll)
	f.notifier.mu.Unlock()

	code, _ = f.post(t, "/v1/notify", `{"entryId":"missing","type":"ready"}`)
	require.Equal(t, http.StatusNotFound, code)

	f.notifier.fail(fmt.Errorf("render: %w", router.ErrUnknownType))
	code, _ = f.post(t, "/v1/notify", `{"entryId":"n1","type":"party"}`)
	require.Equal(t, http.StatusBadRequest, code)

	f.notifier.set(router.Result{Queued: []string{"telegram"}, Pending: true})
	code, body = f.post(t, "/v1/notify", `{"entryId":"n1","type":"ready"}`)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, []any{"telegram"}, body["queued"])

	f.notifier.set(router.Result{Failed: []router.Failure{{Channel: "telegram", Error: "provider rejected"}}})
	code, _ = f.post(t, "/v1/notify", `{"entryId":"n1","type":"ready","wait":true}`)
	require.Equal(t, http.StatusBadGateway, code)
	f.notifier.mu.Lock()
	require.True(t, f.notifier.opts.Wait)
	f.notifier.mu.Unlock()

	f.notifier.fail(errors.New("store down"))
	code, body = f.post(t, "/v1/notify", `{"entryId":"n1","type":"ready"}`)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "internal error", body["error"])
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	f.called(t, "e1")

	code, _ := f.post(t, "/v1/cancel", `{"entryId":"e1"}`)
	require.Equal(t, http.StatusUnauthorized, code)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/cancel", bytes.NewBufferString(`{"entryId":"e1"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, buf.String(), "queuebell_notifications_total")
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?types=" + eventbus.CustomerAcknowledged
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	f.called(t, "w1")
	_, err = f.acks.Acknowledge(context.Background(), "w1", ack.TypeArrived, nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, eventbus.CustomerAcknowledged, ev.Type)
	require.Equal(t, "w1", ev.Data["entryId"])
	require.Equal(t, "cust-w1", ev.Data["customerId"])
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	off := newFixture(t, Config{})
	resp, err := http.Get(off.srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newFixture(t, Config{Pprof: true})
	resp, err = http.Get(on.srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
