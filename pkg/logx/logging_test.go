package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterLoggerEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "router"))
	log.Info("sent", Int("attempt", 2), Err(errors.New("boom")), Bool("ok", false))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "sent", m["message"])
	require.Equal(t, "router", m["comp"])
	require.EqualValues(t, 2, m["attempt"])
	require.Equal(t, false, m["ok"])
	require.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
	log.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	require.False(t, Nop().IsZero())
	Nop().Error("nothing happens")
}

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) NotifyOperator(_ context.Context, text string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	return nil
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestServiceForwardsWarningsToOperator(t *testing.T) {
	sk := &sink{}
	svc, log := New(Config{
		Level:    "debug",
		Operator: OperatorConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, sk)
	defer svc.Close()

	log.Info("routine")
	log.Warn("gateway down", String("channel", "sms"))

	require.Eventually(t, func() bool { return len(sk.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sk.all()[0]
	require.True(t, strings.HasPrefix(msg, "[WARN] gateway down"))
	require.Contains(t, msg, "channel=sms")
}

func TestServiceFileOutputAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuebell.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Debug("dropped")
	log.Info("kept")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now kept")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	require.NotContains(t, out, `"dropped"`)
	require.Contains(t, out, `"kept"`)
	require.Contains(t, out, `"now kept"`)
}

func TestFormatOperatorJSON(t *testing.T) {
	got := formatOperatorJSON([]byte(`{"level":"error","message":"send failed","time":"x","entry_id":"e1"}`))
	require.Equal(t, "[ERROR] send failed\n- entry_id=e1", got)

	require.Equal(t, "plain text", formatOperatorJSON([]byte("plain text\n")))
	require.Len(t, truncate(strings.Repeat("a", 50), 20), 20)
}
