// Package ratelimit bounds accepted sends per recipient within a trailing
// window.
//
// Acquire reserves a slot before the provider is called. Release gives it back
// when the send fails, so only accepted sends count against the window and
// concurrent senders can never overshoot the limit.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = 60 * time.Second
)

type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type Limiter interface {
	// Acquire reserves one slot for key. ok is false when the window is full;
	// that is not an error.
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	// Release returns a slot obtained from Acquire.
	Release(ctx context.Context, key, token string) error
	// Cleanup drops windows that have no activity inside the trailing window.
	Cleanup(ctx context.Context) int
	SetConfig(cfg Config)
}
