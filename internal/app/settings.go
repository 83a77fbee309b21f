package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"queuebell/internal/ack"
	"queuebell/internal/channel"
	"queuebell/internal/channel/httpgw"
	"queuebell/internal/channel/telegram"
	"queuebell/internal/config"
	"queuebell/internal/dedup"
	"queuebell/internal/httpapi"
	"queuebell/internal/maintenance"
	"queuebell/internal/ratelimit"
	"queuebell/internal/recipient"
	"queuebell/internal/router"
	"queuebell/internal/sendqueue"
	"queuebell/internal/storage"
	logx "queuebell/pkg/logx"
)

// Settings is a config resolved into component configs with defaults and
// parsed durations.
type Settings struct {
	Log      logx.Config
	HTTP     httpapi.Config
	Storage  storage.Config
	Telegram *telegram.Config
	// Gateways holds the configured HTTP gateways by channel name.
	Gateways    map[string]httpgw.Config
	SendQueue   sendqueue.Config
	RateLimit   RateLimitSettings
	Dedup       dedup.Config
	Ack         ack.Config
	Recipient   recipient.Config
	Router      router.Config
	Maintenance string
}

type RateLimitSettings struct {
	Backend string
	Limit   ratelimit.Config
	Redis   config.RedisConfig
}

// Resolve validates cfg and maps it onto component configs.
func Resolve(cfg *config.Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s   Settings
		err error
	)
	s.Log = mapLogConfig(cfg)
	if s.HTTP, err = mapHTTPConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Storage, err = mapStorageConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Telegram, err = mapTelegramConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Gateways, err = mapGateways(cfg); err != nil {
		return Settings{}, err
	}
	if s.SendQueue, err = mapSendQueueConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.RateLimit, err = mapRateLimitConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Dedup, err = mapDedupConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Ack, err = mapAckConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Recipient, err = mapRecipientConfig(cfg); err != nil {
		return Settings{}, err
	}
	if s.Router, err = mapRouterConfig(cfg); err != nil {
		return Settings{}, err
	}
	s.Maintenance = strings.TrimSpace(cfg.Maintenance.Schedule)
	if err := maintenance.ValidateSchedule(s.Maintenance); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(h.Addr),
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		Token:           h.Token,
		Pprof:           h.Pprof,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTelegramConfig returns nil when the Telegram channel is disabled.
func mapTelegramConfig(cfg *config.Config) (*telegram.Config, error) {
	tc := cfg.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(tc.Token) == "" {
		return nil, fmt.Errorf("telegram.token is required when telegram.enabled=true")
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		PollTimeout:    poll,
		ParseMode:      tc.ParseMode,
		OperatorChatID: tc.OperatorChatID,
	}, nil
}

func mapGateways(cfg *config.Config) (map[string]httpgw.Config, error) {
	out := map[string]httpgw.Config{}
	for name, g := range map[string]config.GatewayConfig{
		channel.WhatsAppAPI: cfg.Channels.WhatsAppAPI,
		channel.WhatsAppWeb: cfg.Channels.WhatsAppWeb,
		channel.SMS:         cfg.Channels.SMS,
	} {
		if strings.TrimSpace(g.URL) == "" {
			continue
		}
		timeout, err := config.ParseDurationField("channels."+name+".timeout", g.Timeout)
		if err != nil {
			return nil, err
		}
		out[name] = httpgw.Config{
			URL:     strings.TrimSpace(g.URL),
			Token:   g.Token,
			Timeout: timeout,
			Headers: g.Headers,
		}
	}
	return out, nil
}

func mapSendQueueConfig(cfg *config.Config) (sendqueue.Config, error) {
	q := cfg.SendQueue
	if q.Capacity < 0 || q.MaxRetries < 0 || q.BatchSize < 0 || q.ProviderBurst < 0 {
		return sendqueue.Config{}, fmt.Errorf("send_queue: counts must be >= 0")
	}
	if q.ProviderRate < 0 {
		return sendqueue.Config{}, fmt.Errorf("send_queue.provider_rate must be >= 0")
	}
	out := sendqueue.Config{
		Capacity:      q.Capacity,
		MaxRetries:    q.MaxRetries,
		BatchSize:     q.BatchSize,
		ProviderRate:  q.ProviderRate,
		ProviderBurst: q.ProviderBurst,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"send_queue.retry_delay", q.RetryDelay, &out.RetryDelay},
		{"send_queue.rate_limit_delay", q.RateLimitDelay, &out.RateLimitDelay},
		{"send_queue.tick_interval", q.TickInterval, &out.TickInterval},
		{"send_queue.send_timeout", q.SendTimeout, &out.SendTimeout},
		{"send_queue.max_item_age", q.MaxItemAge, &out.MaxItemAge},
		{"send_queue.active_cache_ttl", q.ActiveCacheTTL, &out.ActiveCacheTTL},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return sendqueue.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapRateLimitConfig(cfg *config.Config) (RateLimitSettings, error) {
	rl := cfg.RateLimit
	if rl.Limit < 0 {
		return RateLimitSettings{}, fmt.Errorf("rate_limit.limit must be >= 0")
	}
	window, err := config.ParseDurationField("rate_limit.window", rl.Window)
	if err != nil {
		return RateLimitSettings{}, err
	}
	backend := strings.ToLower(strings.TrimSpace(rl.Backend))
	switch backend {
	case "", "memory":
		backend = "memory"
	case "redis":
		if len(rl.Redis.Addrs) == 0 {
			return RateLimitSettings{}, fmt.Errorf("rate_limit.redis.addrs is required when rate_limit.backend=redis")
		}
	default:
		return RateLimitSettings{}, fmt.Errorf("unknown rate_limit.backend: %s", rl.Backend)
	}
	return RateLimitSettings{
		Backend: backend,
		Limit:   ratelimit.Config{Limit: rl.Limit, Window: window},
		Redis:   rl.Redis,
	}, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	window, err := config.ParseDurationField("dedup.window", cfg.Dedup.Window)
	if err != nil {
		return dedup.Config{}, err
	}
	maxAge, err := config.ParseDurationField("dedup.max_age", cfg.Dedup.MaxAge)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{Window: window, MaxAge: maxAge, PerChannel: cfg.Dedup.PerChannel}, nil
}

func mapAckConfig(cfg *config.Config) (ack.Config, error) {
	a := cfg.Ack
	var out ack.Config
	var err error
	if out.WarningAfter, err = config.ParseDurationOrDefault("ack.warning_after", a.WarningAfter, 4*time.Minute); err != nil {
		return ack.Config{}, err
	}
	if out.FinalWarningAfter, err = config.ParseDurationOrDefault("ack.final_warning_after", a.FinalWarningAfter, 5*time.Minute); err != nil {
		return ack.Config{}, err
	}
	if out.AutoCancelAfter, err = config.ParseDurationOrDefault("ack.auto_cancel_after", a.AutoCancelAfter, 7*time.Minute); err != nil {
		return ack.Config{}, err
	}
	if !(out.WarningAfter < out.FinalWarningAfter && out.FinalWarningAfter < out.AutoCancelAfter) {
		return ack.Config{}, fmt.Errorf("ack: warning_after < final_warning_after < auto_cancel_after must hold")
	}
	if out.PersistRetryDelay, err = config.ParseDurationField("ack.persist_retry_delay", a.PersistRetryDelay); err != nil {
		return ack.Config{}, err
	}
	if out.MaxETA, err = config.ParseDurationField("ack.max_eta", a.MaxETA); err != nil {
		return ack.Config{}, err
	}
	return out, nil
}

func mapRecipientConfig(cfg *config.Config) (recipient.Config, error) {
	ttl, err := config.ParseDurationField("recipient.cache_ttl", cfg.Recipient.CacheTTL)
	if err != nil {
		return recipient.Config{}, err
	}
	region := strings.ToUpper(strings.TrimSpace(cfg.Recipient.DefaultRegion))
	if region != "" && len(region) != 2 {
		return recipient.Config{}, fmt.Errorf("recipient.default_region must be a two-letter region code")
	}
	return recipient.Config{DefaultRegion: region, CacheTTL: ttl}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	rc := router.Config{SMSTypes: cfg.Router.SMSTypes, Templates: cfg.Router.Templates}
	if _, err := router.NewTemplates(rc.Templates); err != nil {
		return router.Config{}, fmt.Errorf("router.templates: %w", err)
	}
	return rc, nil
}
