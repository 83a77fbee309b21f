// Package dedup suppresses repeated deliveries of the same logical
// notification across channels within a short window.
package dedup

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"queuebell/internal/clock"
)

const (
	DefaultWindow = 10 * time.Second
	DefaultMaxAge = time.Hour
)

type Config struct {
	// Window is how long an identical payload is suppressed.
	Window time.Duration
	// MaxAge is the inactivity after which Sweep forgets a record.
	MaxAge time.Duration
	// PerChannel allows one delivery per channel inside Window instead of one
	// delivery across all channels.
	PerChannel bool
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Payload is the part of a notification that decides whether two sends are
// the same. Timestamps never belong here.
type Payload struct {
	Text             string
	VerificationCode string
	Position         int
}

// Hash returns the content hash of p for a notification type.
func Hash(notifType string, p Payload) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(notifType))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(p.VerificationCode))
	_, _ = h.Write([]byte("|" + strconv.Itoa(p.Position) + "|"))
	_, _ = h.Write([]byte(p.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

type key struct {
	entryID string
	typ     string
}

type record struct {
	channels map[string]struct{}
	last     time.Time
	hash     string
}

// Guard is safe for concurrent use.
type Guard struct {
	clk clock.Clock

	mu      sync.Mutex
	cfg     Config
	records map[key]*record
}

func New(cfg Config, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{clk: clk, cfg: cfg.withDefaults(), records: map[key]*record{}}
}

func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// ShouldSend reports whether a send of notifType to entryID over channel may
// proceed, and claims it when it may. A claim whose dispatch fails must be
// given back with Release.
func (g *Guard) ShouldSend(entryID, channel, notifType string, p Payload) bool {
	hash := Hash(notifType, p)
	k := key{entryID: entryID, typ: notifType}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[k]
	switch {
	case !ok, rec.hash != hash, now.Sub(rec.last) > g.cfg.Window:
		g.records[k] = &record{channels: map[string]struct{}{channel: {}}, last: now, hash: hash}
		return true
	}
	if _, used := rec.channels[channel]; used {
		return false
	}
	if !g.cfg.PerChannel {
		return false
	}
	rec.channels[channel] = struct{}{}
	rec.last = now
	return true
}

// Release undoes the claim ShouldSend made for channel.
func (g *Guard) Release(entryID, notifType, channel string) {
	k := key{entryID: entryID, typ: notifType}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[k]
	if !ok {
		return
	}
	delete(rec.channels, channel)
	if len(rec.channels) == 0 {
		delete(g.records, k)
	}
}

// Forget drops every record for entryID.
func (g *Guard) Forget(entryID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.records {
		if k.entryID == entryID {
			delete(g.records, k)
		}
	}
}

// Sweep removes records idle for longer than MaxAge and returns the count.
func (g *Guard) Sweep() int {
	now := g.clk.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, rec := range g.records {
		if now.Sub(rec.last) > g.cfg.MaxAge {
			delete(g.records, k)
			n++
		}
	}
	return n
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
