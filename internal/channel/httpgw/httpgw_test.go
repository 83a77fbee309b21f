package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"queuebell/internal/channel"
)

func TestSendPostsEnvelope(t *testing.T) {
	t.Parallel()
	var got Envelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messageId":"wamid.123"}`))
	}))
	defer srv.Close()

	s, err := New(channel.WhatsAppAPI, Config{URL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	r, err := s.Send(context.Background(), "14155550000", channel.Message{Type: "called", EntryID: "e1", Text: "hi"})
	require.NoError(t, err)

	require.Equal(t, "wamid.123", r.ProviderMessageID)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, Envelope{Channel: channel.WhatsAppAPI, To: "14155550000", Type: "called", EntryID: "e1", Text: "hi"}, got)
}

func TestSendReportsStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := New(channel.WhatsAppWeb, Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "1@c.us", channel.Message{Text: "x"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.Equal(t, "session not ready", se.Body)
}

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "ftp://x", "http://", "::bad"} {
		_, err := New(channel.SMS, Config{URL: u})
		require.Error(t, err, u)
	}
}
