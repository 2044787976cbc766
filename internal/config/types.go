package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http,omitempty"`

	// Dispatcher controls the notification dispatch core
	// (feature flag, fan-out workers, bulk batching, outbound rate).
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Scheduler controls delayed delivery of future-dated requests
	// and recurring cron-style digests.
	Scheduler SchedulerConfig `json:"scheduler"`

	Templates TemplatesConfig `json:"templates,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Cache     *CacheConfig    `json:"cache,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Pprof     *PprofConfig    `json:"pprof,omitempty"`
}

// PprofConfig controls the optional pprof debug server. Same security
// posture as HTTPConfig: loopback by default, token or allow_insecure
// for anything else.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards records at or above MinLevel to the event bus
// (rate limited) so operators can subscribe to delivery failures.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatcherConfig controls the dispatch core.
//
// If the whole section is omitted, dispatch defaults to enabled=true.
// Enabled is a pointer so we can distinguish "omitted" from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - default_batch_size: 100
//   - rate_per_sec: 0 (unlimited)
//   - history_size: 500
type DispatcherConfig struct {
	Enabled          *bool `json:"enabled,omitempty"`
	Workers          int   `json:"workers,omitempty"`
	DefaultBatchSize int   `json:"default_batch_size,omitempty"`
	RatePerSec       int   `json:"rate_per_sec,omitempty"`
	HistorySize      int   `json:"history_size,omitempty"`
}

// SchedulerConfig controls the delayed-delivery service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA TZ, e.g. "Asia/Jakarta"). Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`

	// Recurring registers cron-driven sends at startup (digests,
	// maintenance notices). Entries are validated at boot.
	Recurring []RecurringSchedule `json:"recurring,omitempty"`
}

// RecurringSchedule is one cron-driven notification. Every firing goes
// through the normal dispatch path, so user preferences still apply.
//
// Example:
//
//	{ "name": "weekly-digest", "cron": "0 9 * * MON",
//	  "user_id": "u1", "type": "newsletter",
//	  "channels": ["email"], "template_key": "digest.weekly" }
type RecurringSchedule struct {
	Name     string   `json:"name"`
	Cron     string   `json:"cron"`
	UserID   string   `json:"user_id"`
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Priority string   `json:"priority,omitempty"` // default: "normal"

	TemplateKey string         `json:"template_key,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// TemplatesConfig controls template resolution.
type TemplatesConfig struct {
	// DefaultLanguage is the fallback language tag for template resolution.
	// Defaults to "en-US".
	DefaultLanguage string `json:"default_language,omitempty"`
}

// StorageConfig controls the optional durable store for preferences,
// templates and delivery outcomes.
//
// Driver values: "none" (in-memory only, default) or "sqlite".
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CacheConfig controls the optional redis read-through cache in front of
// the preferences store.
type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6379"
	DB      int    `json:"db,omitempty"`
	TTL     string `json:"ttl,omitempty"` // Go duration string; default "5m"
}

type ProvidersConfig struct {
	Email   EmailProviderConfig   `json:"email,omitempty"`
	SMS     SMSProviderConfig     `json:"sms,omitempty"`
	Push    PushProviderConfig    `json:"push,omitempty"`
	InApp   InAppProviderConfig   `json:"inapp,omitempty"`
	Webhook WebhookProviderConfig `json:"webhook,omitempty"`
}

type EmailProviderConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	// DryRun skips the SMTP dial and records the message as sent.
	DryRun bool `json:"dry_run,omitempty"`
}

type SMSProviderConfig struct {
	GatewayURL string `json:"gateway_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"` // do not log
	Sender     string `json:"sender,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // Go duration string; default "10s"
	DryRun     bool   `json:"dry_run,omitempty"`
}

type PushProviderConfig struct {
	// MinTokenLength is the minimum accepted device token length.
	// Shorter or blank tokens are dropped by ValidateTokens.
	MinTokenLength int `json:"min_token_length,omitempty"` // default 16
}

type InAppProviderConfig struct {
	// MaxPerUser bounds the retained inbox size per user; the oldest entry
	// is discarded on overflow. Default 100.
	MaxPerUser int `json:"max_per_user,omitempty"`
}

type WebhookProviderConfig struct {
	Timeout string `json:"timeout,omitempty"` // Go duration string; default "10s"
	// SignatureHeader carries the HMAC-SHA256 payload signature.
	SignatureHeader string `json:"signature_header,omitempty"` // default "X-Notifyd-Signature"
}

// HTTPConfig controls the operational JSON API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
