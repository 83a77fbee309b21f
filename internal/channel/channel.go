// Package channel defines the uniform provider contract used by the send
// queues and the router.
package channel

import (
	"context"
	"errors"
)

// Channel names.
const (
	Telegram    = "telegram"
	WhatsAppAPI = "whatsapp_api"
	WhatsAppWeb = "whatsapp_web"
	SMS         = "sms"
)

// ErrUnavailable is returned by senders that are not configured.
var ErrUnavailable = errors.New("channel unavailable")

// Action is a client-visible button attached to a message. Data is opaque to
// the provider and returned verbatim when the customer presses it.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Message is a rendered notification.
type Message struct {
	Type    string   `json:"type"`
	EntryID string   `json:"entryId,omitempty"`
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}

// Receipt is what a provider reports back on an accepted send.
type Receipt struct {
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

type Sender interface {
	Name() string
	// Available reports whether the sender is configured. It is evaluated
	// when candidates are chosen, not per send.
	Available() bool
	Send(ctx context.Context, recipient string, msg Message) (Receipt, error)
}

// Unavailable is a placeholder sender for channels without configuration.
type Unavailable string

func (u Unavailable) Name() string  { return string(u) }
func (Unavailable) Available() bool { return false }
func (Unavailable) Send(context.Context, string, Message) (Receipt, error) {
	return Receipt{}, ErrUnavailable
}
