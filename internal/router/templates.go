package router

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"

	"queuebell/internal/channel"
)

// Notification types.
const (
	TypeCalled            = "called"
	TypeReady             = "ready"
	TypeAlmostReady       = "almost_ready"
	TypeWarning           = "warning"
	TypeFinalWarning      = "final_warning"
	TypeNoResponseTimeout = "no_response_timeout"
	TypeCancelled         = "cancelled"
	TypeRevoked           = "revoked"
)

var ErrUnknownType = errors.New("unknown notification type")

var defaultTemplates = map[string]string{
	TypeCalled: `{{with .DisplayName}}{{.}}, {{end}}it's your turn! Please come to the counter` +
		`{{with .VerificationCode}} and show code {{.}}{{end}}. Tap below to let us know you're on your way.`,
	TypeReady:       `{{with .DisplayName}}{{.}}, {{end}}your order is ready{{with .VerificationCode}} (code {{.}}){{end}}.`,
	TypeAlmostReady: `Heads up: you're almost up{{if .Position}} (position {{.Position}}){{end}}. Please stay close.`,
	TypeWarning:     `Reminder: we called you a few minutes ago. Please head to the counter or reply.`,
	TypeFinalWarning: `Last call! Your spot will be released` +
		`{{if not .Deadline.IsZero}} at {{.Deadline.Format "15:04"}}{{else}} soon{{end}} unless you respond.`,
	TypeNoResponseTimeout: `We didn't hear back, so your spot was released. You're welcome to join the queue again.`,
	TypeCancelled:         `Your spot has been cancelled.`,
	TypeRevoked:           `Sorry, we need a little more time. You're back in the queue and we'll notify you again.`,
}

// TemplateData is what message templates can reference.
type TemplateData struct {
	Type             string
	EntryID          string
	CustomerID       string
	DisplayName      string
	VerificationCode string
	Position         int
	Deadline         time.Time
}

// Templates renders notification text per type.
type Templates struct {
	byType map[string]*template.Template
}

// NewTemplates parses the built-in templates with overrides applied on top.
func NewTemplates(overrides map[string]string) (*Templates, error) {
	t := &Templates{byType: map[string]*template.Template{}}
	for typ, src := range defaultTemplates {
		if o, ok := overrides[typ]; ok && o != "" {
			src = o
		}
		tpl, err := template.New(typ).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", typ, err)
		}
		t.byType[typ] = tpl
	}
	for typ := range overrides {
		if _, ok := defaultTemplates[typ]; !ok {
			return nil, fmt.Errorf("template %s: %w", typ, ErrUnknownType)
		}
	}
	return t, nil
}

// Known reports whether typ is a notification type.
func (t *Templates) Known(typ string) bool {
	_, ok := t.byType[typ]
	return ok
}

// Render builds the channel-independent message for d.Type.
func (t *Templates) Render(d TemplateData) (channel.Message, error) {
	tpl, ok := t.byType[d.Type]
	if !ok {
		return channel.Message{}, fmt.Errorf("%w %q", ErrUnknownType, d.Type)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, d); err != nil {
		return channel.Message{}, fmt.Errorf("render %s: %w", d.Type, err)
	}
	msg := channel.Message{Type: d.Type, EntryID: d.EntryID, Text: buf.String()}
	switch d.Type {
	case TypeCalled, TypeFinalWarning:
		msg.Actions = []channel.Action{
			{Label: "I'm on my way", Data: channel.EncodeAction(channel.ActionAcknowledge, "on_way", d.EntryID)},
			{Label: "Cancel my spot", Data: channel.EncodeAction(channel.ActionCancel, "", d.EntryID)},
		}
	}
	return msg, nil
}
