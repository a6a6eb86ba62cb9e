package config

// Config is the on-disk configuration. YAML and JSON are both accepted;
// unknown fields are rejected so typos fail loudly at startup.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Destinations maps a destination id (what posts target) to the adapter
	// that reaches it.
	Destinations map[string]DestinationConfig `json:"destinations"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"` // nil defaults to true
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postq.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the polling loop, worker pool and retry policy.
//
// Enabled is a pointer so "omitted" (default true) is distinguishable from
// an explicit false.
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	DueBatch     int    `json:"due_batch,omitempty"`
	Lookahead    string `json:"lookahead,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig mirrors dispatch.RetryPolicy.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 5
//   - base:         "30s"
//   - max_delay:    "15m"
//   - max_elapsed:  "24h"
//   - jitter:       0.2
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	MaxElapsed  string  `json:"max_elapsed,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// DestinationConfig configures one publishing destination.
//
// Type selects the adapter: "telegram" or "webhook".
type DestinationConfig struct {
	Type       string  `json:"type"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	Telegram *TelegramDestination `json:"telegram,omitempty"`
	Webhook  *WebhookDestination  `json:"webhook,omitempty"`
}

type TelegramDestination struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type WebhookDestination struct {
	URL         string `json:"url"`
	AuthToken   string `json:"auth_token,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}
