// Package httpgw sends notifications to a JSON-over-HTTP messaging gateway
// (WhatsApp Business API bridges, WhatsApp Web bridges, SMS relays).
//
// The gateway receives a POST with the Envelope and answers 2xx on
// acceptance. Retries are left to the send queue.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"queuebell/internal/channel"
)

const userAgent = "queuebell/1"

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	Headers map[string]string
}

// Envelope is the JSON body POSTed to the gateway.
type Envelope struct {
	Channel string           `json:"channel"`
	To      string           `json:"to"`
	Type    string           `json:"type"`
	EntryID string           `json:"entryId,omitempty"`
	Text    string           `json:"text"`
	Actions []channel.Action `json:"actions,omitempty"`
}

// StatusError is returned for non-2xx gateway answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("gateway returned HTTP %d", e.Code)
}

type Sender struct {
	name   string
	cfg    Config
	client *http.Client
}

func New(name string, cfg Config) (*Sender, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("gateway URL must include a host")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sender{name: name, cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (s *Sender) Name() string    { return s.name }
func (s *Sender) Available() bool { return true }

func (s *Sender) Send(ctx context.Context, recipient string, msg channel.Message) (channel.Receipt, error) {
	body, err := json.Marshal(Envelope{
		Channel: s.name,
		To:      recipient,
		Type:    msg.Type,
		EntryID: msg.EntryID,
		Text:    msg.Text,
		Actions: msg.Actions,
	})
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("%s gateway: %w", s.name, err)
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.Receipt{}, fmt.Errorf("%s gateway: %w", s.name, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(raw))})
	}

	var out struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(raw, &out)
	id := out.MessageID
	if id == "" {
		id = out.ID
	}
	return channel.Receipt{ProviderMessageID: id}, nil
}
