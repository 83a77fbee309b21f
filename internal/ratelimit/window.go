package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"queuebell/internal/clock"
)

type stamp struct {
	at    time.Time
	token string
}

// Window is the in-process sliding-window limiter.
type Window struct {
	clk clock.Clock

	mu   sync.Mutex
	cfg  Config
	seq  uint64
	keys map[string][]stamp
}

func NewWindow(cfg Config, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{clk: clk, cfg: cfg.withDefaults(), keys: map[string][]stamp{}}
}

func (w *Window) SetConfig(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Window) Acquire(_ context.Context, key string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.Now()
	stamps := prune(w.keys[key], now.Add(-w.cfg.Window))
	if len(stamps) >= w.cfg.Limit {
		w.keys[key] = stamps
		return "", false, nil
	}
	w.seq++
	tok := strconv.FormatUint(w.seq, 36)
	w.keys[key] = append(stamps, stamp{at: now, token: tok})
	return tok, true, nil
}

func (w *Window) Release(_ context.Context, key, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.keys[key]
	for i, s := range stamps {
		if s.token == token {
			w.keys[key] = append(stamps[:i:i], stamps[i+1:]...)
			break
		}
	}
	if len(w.keys[key]) == 0 {
		delete(w.keys, key)
	}
	return nil
}

// Count returns the number of accepted sends for key inside the window.
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(prune(w.keys[key], w.clk.Now().Add(-w.cfg.Window)))
}

func (w *Window) Cleanup(context.Context) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.clk.Now().Add(-w.cfg.Window)
	n := 0
	for k, stamps := range w.keys {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(w.keys, k)
			n++
			continue
		}
		w.keys[k] = stamps
	}
	return n
}

// prune drops stamps at or before cutoff. stamps are ordered by time.
func prune(stamps []stamp, cutoff time.Time) []stamp {
	i := 0
	for i < len(stamps) && !stamps[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
