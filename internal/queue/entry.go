// Package queue holds the queue-entry model shared by the dispatch engine and
// its persistence collaborators.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("queue entry not found")

type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusCalled       Status = "called"
	StatusAcknowledged Status = "acknowledged"
	StatusCancelled    Status = "cancelled"
	StatusCompleted    Status = "completed"
	StatusNoShow       Status = "no_show"
	StatusExpired      Status = "expired"
)

// Terminal reports whether s ends a called episode.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusCancelled, StatusExpired, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether the entry still participates in the queue.
func (s Status) Active() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusAcknowledged:
		return true
	}
	return false
}

// Entry is a customer's ticket. The engine only reads and mutates the
// notification and acknowledgment fields.
type Entry struct {
	ID string `json:"id"`
	// CustomerID is the canonical customer/session identifier assigned at
	// queue-join time. Every event carries it unchanged.
	CustomerID string `json:"customerId"`
	Status     Status `json:"status"`

	DisplayName                   string `json:"displayName,omitempty"`
	Position                      int    `json:"position,omitempty"`
	CustomerPhone                 string `json:"customerPhone,omitempty"`
	TelegramChatID                int64  `json:"telegramChatId,omitempty"`
	NotificationChannelPreference string `json:"notificationChannelPreference,omitempty"`
	VerificationCode              string `json:"verificationCode,omitempty"`

	CalledAt           *time.Time `json:"calledAt,omitempty"`
	AcknowledgedAt     *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgmentType string     `json:"acknowledgmentType,omitempty"`
	EstimatedArrival   *time.Time `json:"estimatedArrival,omitempty"`

	LastNotificationChannel string     `json:"lastNotificationChannel,omitempty"`
	LastNotificationAt      *time.Time `json:"lastNotificationAt,omitempty"`
	NotificationCount       int        `json:"notificationCount"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Transition is an append-only record of a status change.
type Transition struct {
	EntryID string
	From    Status
	To      Status
	Reason  string
	At      time.Time
}

// Store is the persistence collaborator. Implementations must make Update
// atomic per entry: fn sees the current durable state and its mutation is
// either fully written or not at all.
type Store interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	// Update applies fn to the stored entry and persists the result. If fn
	// returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, id string, fn func(e *Entry) error) (Entry, error)
	ListByStatus(ctx context.Context, status Status) ([]Entry, error)
	AppendTransition(ctx context.Context, t Transition) error
	Close() error
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
