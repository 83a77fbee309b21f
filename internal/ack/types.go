package ack

import (
	"context"
	"errors"
	"time"

	"queuebell/internal/queue"
	"queuebell/internal/router"
)

var (
	ErrValidation   = errors.New("invalid request")
	ErrInvalidState = errors.New("entry is not in a state that allows this")
)

// Acknowledgment types.
const (
	TypeOnWay   = "on_way"
	TypeArrived = "arrived"
)

// Transition reasons recorded in the entry log.
const (
	ReasonCalled            = "called"
	ReasonAcknowledged      = "acknowledged"
	ReasonCancelled         = "cancelled"
	ReasonNoResponseTimeout = "no_response_timeout"
	ReasonRevoked           = "revoked"
)

type Config struct {
	WarningAfter      time.Duration
	FinalWarningAfter time.Duration
	AutoCancelAfter   time.Duration
	// PersistRetryDelay is how long an auto-cancel waits before retrying a
	// failed write.
	PersistRetryDelay time.Duration
	// MaxETA bounds the eta accepted with an on_way acknowledgment.
	MaxETA time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarningAfter <= 0 {
		c.WarningAfter = 4 * time.Minute
	}
	if c.FinalWarningAfter <= 0 {
		c.FinalWarningAfter = 5 * time.Minute
	}
	if c.AutoCancelAfter <= 0 {
		c.AutoCancelAfter = 7 * time.Minute
	}
	if c.PersistRetryDelay <= 0 {
		c.PersistRetryDelay = 30 * time.Second
	}
	if c.MaxETA <= 0 {
		c.MaxETA = 3 * time.Hour
	}
	return c
}

// Reminder delivers follow-up notifications. *router.Router implements it.
type Reminder interface {
	SendNotification(ctx context.Context, e queue.Entry, notifType string, opts router.Options) (router.Result, error)
}

// Outcome is the recorded result of an acknowledge, cancel or revoke.
type Outcome struct {
	EntryID            string       `json:"entryId"`
	Status             queue.Status `json:"status"`
	AcknowledgmentType string       `json:"acknowledgmentType,omitempty"`
	AcknowledgedAt     *time.Time   `json:"acknowledgedAt,omitempty"`
	EstimatedArrival   *time.Time   `json:"estimatedArrival,omitempty"`
}

func outcomeOf(e queue.Entry) Outcome {
	return Outcome{
		EntryID:            e.ID,
		Status:             e.Status,
		AcknowledgmentType: e.AcknowledgmentType,
		AcknowledgedAt:     e.AcknowledgedAt,
		EstimatedArrival:   e.EstimatedArrival,
	}
}

// EntryEvent is the payload of realtime acknowledgment events.
type EntryEvent struct {
	EntryID            string       `json:"entryId"`
	CustomerID         string       `json:"customerId"`
	VerificationCode   string       `json:"verificationCode,omitempty"`
	DisplayName        string       `json:"displayName,omitempty"`
	Position           int          `json:"position,omitempty"`
	Status             queue.Status `json:"status"`
	CalledAt           *time.Time   `json:"calledAt,omitempty"`
	Deadline           *time.Time   `json:"deadline,omitempty"`
	AcknowledgmentType string       `json:"acknowledgmentType,omitempty"`
	AcknowledgedAt     *time.Time   `json:"acknowledgedAt,omitempty"`
	EstimatedArrival   *time.Time   `json:"estimatedArrival,omitempty"`
	Actions            []string     `json:"actions,omitempty"`
}
