// Package recipient turns entry contact fields into provider-specific
// recipient identifiers.
package recipient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"queuebell/internal/cache"
	"queuebell/internal/channel"
	"queuebell/internal/clock"
	"queuebell/internal/queue"
)

// ErrNoIdentifier means the entry carries nothing addressable on a channel.
var ErrNoIdentifier = errors.New("no recipient identifier for channel")

type Config struct {
	DefaultRegion string        `json:"default_region"`
	CacheTTL      time.Duration `json:"-"`
}

// Normalizer formats phone numbers as E.164 and memoizes results.
type Normalizer struct {
	region string
	cache  *cache.TTL[string, string]
}

func NewNormalizer(cfg Config, clk clock.Clock) *Normalizer {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	region := strings.ToUpper(strings.TrimSpace(cfg.DefaultRegion))
	if region == "" {
		region = "US"
	}
	return &Normalizer{region: region, cache: cache.NewTTL[string, string](clk, ttl)}
}

// Resolve returns the raw address an entry has for ch, before formatting.
func Resolve(e queue.Entry, ch string) (string, error) {
	switch ch {
	case channel.Telegram:
		if e.TelegramChatID == 0 {
			return "", ErrNoIdentifier
		}
		return strconv.FormatInt(e.TelegramChatID, 10), nil
	case channel.WhatsAppAPI, channel.WhatsAppWeb, channel.SMS:
		if strings.TrimSpace(e.CustomerPhone) == "" {
			return "", ErrNoIdentifier
		}
		return e.CustomerPhone, nil
	}
	return "", fmt.Errorf("unknown channel %q", ch)
}

// Normalize formats raw for ch:
//   - whatsapp_web: digits + "@c.us"
//   - whatsapp_api: digits only
//   - sms: E.164 with leading '+'
//   - telegram: chat id unchanged
func (n *Normalizer) Normalize(ch, raw string) (string, error) {
	if ch == channel.Telegram {
		if _, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil {
			return "", fmt.Errorf("telegram chat id %q: %w", raw, err)
		}
		return strings.TrimSpace(raw), nil
	}
	return n.cache.GetOrLoad(ch+"|"+raw, func() (string, error) {
		e164, err := n.e164(raw)
		if err != nil {
			return "", err
		}
		digits := strings.TrimPrefix(e164, "+")
		switch ch {
		case channel.WhatsAppWeb:
			return digits + "@c.us", nil
		case channel.WhatsAppAPI:
			return digits, nil
		case channel.SMS:
			return e164, nil
		}
		return "", fmt.Errorf("unknown channel %q", ch)
	})
}

func (n *Normalizer) e164(raw string) (string, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "@c.us")
	if raw == "" {
		return "", ErrNoIdentifier
	}
	// Bare digit strings that already carry a country code.
	if !strings.HasPrefix(raw, "+") && !strings.HasPrefix(raw, "0") && len(raw) > 10 {
		raw = "+" + raw
	}
	num, err := phonenumbers.Parse(raw, n.region)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone %q", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Purge drops expired cache entries.
func (n *Normalizer) Purge() int { return n.cache.Purge() }

func (n *Normalizer) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		n.cache.SetTTL(ttl)
	}
}
