package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m") parsed with ParseDurationField.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Webhook  WebhookConfig  `json:"webhook"`
	Pipeline PipelineConfig `json:"pipeline"`

	// Tiers replaces the built-in tier policy when non-empty. Order matters:
	// exclusive tiers claim recipients for the tiers after them.
	Tiers []TierConfig `json:"tiers,omitempty"`

	Dedup    DedupConfig    `json:"dedup"`
	Geocoder GeocoderConfig `json:"geocoder"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// BroadcastChat receives silent alerts for BroadcastKinds when the
	// built-in tier policy is used. 0 disables the broadcast tier.
	BroadcastChat  int64 `json:"broadcast_chat,omitempty"`
	BroadcastKinds []int `json:"broadcast_kinds,omitempty"`

	// OpsChat receives forwarded warning logs when logging.telegram is enabled.
	OpsChat int64 `json:"ops_chat,omitempty"`

	LocationButton string `json:"location_button,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WebhookConfig controls the HTTP ingress.
//
// Example:
//
//	"webhook": { "addr": "127.0.0.1:4000", "token": "change-me" }
type WebhookConfig struct {
	Addr         string `json:"addr"`
	Token        string `json:"token,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

// PipelineConfig sizes the dispatch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - update_workers: 1
//   - alarm_workers: 1
//   - queue_warn_depth: 50
//   - min_ttl: "0s"
//   - sweep_every: 100
//   - sweep_interval: "1m"
//   - maintenance_every: "5m"
//   - send_rate_per_sec: 25
type PipelineConfig struct {
	UpdateWorkers    int    `json:"update_workers,omitempty"`
	AlarmWorkers     int    `json:"alarm_workers,omitempty"`
	QueueWarnDepth   int    `json:"queue_warn_depth,omitempty"`
	MinTTL           string `json:"min_ttl,omitempty"`
	SweepEvery       int    `json:"sweep_every,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
	MaintenanceEvery string `json:"maintenance_every,omitempty"`
	// SendRatePerSec caps outbound sends across all alarm workers.
	// Negative disables pacing.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
}

// TierConfig mirrors fanout.Tier.
type TierConfig struct {
	Name         string  `json:"name"`
	Mode         string  `json:"mode"` // "subscribers" (default) or "broadcast"
	RadiusMeters float64 `json:"radius_m,omitempty"`
	RestrictKind bool    `json:"restrict_kind,omitempty"`
	Exclusive    bool    `json:"exclusive,omitempty"`
	Silent       bool    `json:"silent,omitempty"`
	Destination  int64   `json:"destination,omitempty"`
	Kinds        []int   `json:"kinds,omitempty"`
	Text         string  `json:"text,omitempty"`
	Title        string  `json:"title,omitempty"`
}

type DedupConfig struct {
	// Persist keeps seen identifiers in storage so restarts do not re-alert.
	Persist bool `json:"persist"`
}

type GeocoderConfig struct {
	Enabled    bool    `json:"enabled"`
	APIKey     string  `json:"api_key,omitempty"`
	Language   string  `json:"language,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	BatchSize  int     `json:"batch_size,omitempty"`
	Interval   string  `json:"interval,omitempty"`
}

// StorageConfig controls the SQLite database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sightbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // only "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}
