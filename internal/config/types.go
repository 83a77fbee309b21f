package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "4m"); empty or "0s" means the component default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Channels    ChannelsConfig    `json:"channels"`
	SendQueue   SendQueueConfig   `json:"send_queue"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Dedup       DedupConfig       `json:"dedup"`
	Ack         AckConfig         `json:"ack"`
	Recipient   RecipientConfig   `json:"recipient"`
	Router      RouterConfig      `json:"router"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`

	// Operator forwards warn+ lines to the Telegram operator chat.
	Operator LoggingOperatorConfig `json:"operator"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperatorConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the inbound API listener.
//
// Defaults:
//   - addr: ":8080"
//   - read_timeout: "10s"
//   - write_timeout: "10s"
//   - shutdown_timeout: "5s"
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Token, when set, is required as a Bearer token on /v1 routes.
	Token string `json:"token,omitempty"`
	// Pprof exposes runtime profiles under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite" (default).
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	Token          string `json:"token"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	OperatorChatID int64  `json:"operator_chat_id,omitempty"`
}

type ChannelsConfig struct {
	WhatsAppAPI GatewayConfig `json:"whatsapp_api"`
	WhatsAppWeb GatewayConfig `json:"whatsapp_web"`
	SMS         GatewayConfig `json:"sms"`
}

// GatewayConfig describes an HTTP provider gateway. A gateway without a URL
// is reported unavailable.
type GatewayConfig struct {
	URL     string            `json:"url"`
	Token   string            `json:"token,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendQueueConfig applies to every per-channel send queue.
//
// Defaults:
//   - capacity: 1000
//   - max_retries: 3
//   - retry_delay: "5s" (multiplied by the attempt number)
//   - rate_limit_delay: "60s"
//   - tick_interval: "1s"
//   - batch_size: 10
//   - send_timeout: "10s"
//   - max_item_age: "1h"
//   - active_cache_ttl: "30s"
//   - provider_rate: 0 (unlimited)
type SendQueueConfig struct {
	Capacity       int     `json:"capacity,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
	RetryDelay     string  `json:"retry_delay,omitempty"`
	RateLimitDelay string  `json:"rate_limit_delay,omitempty"`
	TickInterval   string  `json:"tick_interval,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	MaxItemAge     string  `json:"max_item_age,omitempty"`
	ActiveCacheTTL string  `json:"active_cache_ttl,omitempty"`
	ProviderRate   float64 `json:"provider_rate,omitempty"`
	ProviderBurst  int     `json:"provider_burst,omitempty"`
}

type RateLimitConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string      `json:"backend"`
	Limit   int         `json:"limit,omitempty"`
	Window  string      `json:"window,omitempty"`
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addrs    []string `json:"addrs,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
}

type DedupConfig struct {
	Window     string `json:"window,omitempty"`
	MaxAge     string `json:"max_age,omitempty"`
	PerChannel bool   `json:"per_channel,omitempty"`
}

// AckConfig controls acknowledgment escalation. Timer offsets are measured
// from the moment the customer was called.
type AckConfig struct {
	WarningAfter      string `json:"warning_after,omitempty"`
	FinalWarningAfter string `json:"final_warning_after,omitempty"`
	AutoCancelAfter   string `json:"auto_cancel_after,omitempty"`
	PersistRetryDelay string `json:"persist_retry_delay,omitempty"`
	MaxETA            string `json:"max_eta,omitempty"`
}

type RecipientConfig struct {
	DefaultRegion string `json:"default_region,omitempty"`
	CacheTTL      string `json:"cache_ttl,omitempty"`
}

type RouterConfig struct {
	// SMSTypes overrides the notification types allowed on SMS.
	SMSTypes []string `json:"sms_types,omitempty"`
	// Templates overrides message text per notification type (text/template).
	Templates map[string]string `json:"templates,omitempty"`
}

type MaintenanceConfig struct {
	// Schedule is a cron spec; default "@every 5m".
	Schedule string `json:"schedule,omitempty"`
}
