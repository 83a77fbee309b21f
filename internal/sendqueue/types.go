package sendqueue

import (
	"context"
	"errors"
	"time"

	"queuebell/internal/channel"
)

var (
	ErrQueueFull = errors.New("send queue full")
	ErrStopped   = errors.New("send queue stopped")
	// ErrInactive ends an item whose entry left the queue before delivery.
	ErrInactive = errors.New("entry no longer active")
	// ErrExpired ends an item that outlived MaxItemAge.
	ErrExpired = errors.New("notification expired before delivery")
)

// Config controls one channel's queue. Zero values take defaults.
type Config struct {
	Capacity       int
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimitDelay time.Duration
	TickInterval   time.Duration
	BatchSize      int
	SendTimeout    time.Duration
	MaxItemAge     time.Duration
	ActiveCacheTTL time.Duration
	// ProviderRate caps provider calls per second. Zero means unlimited.
	ProviderRate  float64
	ProviderBurst int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxItemAge <= 0 {
		c.MaxItemAge = time.Hour
	}
	if c.ActiveCacheTTL <= 0 {
		c.ActiveCacheTTL = 30 * time.Second
	}
	if c.ProviderBurst <= 0 {
		c.ProviderBurst = 1
	}
	return c
}

// Item is one message bound for one recipient.
type Item struct {
	EntryID    string
	CustomerID string
	// Recipient is the raw identifier; the queue normalizes it per channel.
	Recipient string
	Message   channel.Message
	// RequireActive drops the item when the entry has left the queue.
	RequireActive bool
	// Done, when set, is called once with the final outcome: nil after the
	// provider accepted the message, otherwise the reason it was given up.
	// It runs on the queue's goroutine and may Enqueue again.
	Done func(err error)
}

// Receipt acknowledges an accepted Enqueue.
type Receipt struct {
	Queued   bool `json:"queued"`
	Position int  `json:"position"`
}

// Normalizer formats raw recipients for a channel.
type Normalizer interface {
	Normalize(ch, raw string) (string, error)
}

// ActivityFunc reports whether an entry still participates in the queue.
type ActivityFunc func(ctx context.Context, entryID string) (bool, error)

// NotificationEvent is published on the bus for queue lifecycle events.
type NotificationEvent struct {
	EntryID           string    `json:"entryId"`
	CustomerID        string    `json:"customerId,omitempty"`
	Channel           string    `json:"channel"`
	Type              string    `json:"type"`
	Attempt           int       `json:"attempt,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}
