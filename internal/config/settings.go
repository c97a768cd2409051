package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sightbot/internal/fanout"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
	logx "sightbot/pkg/logx"
)

// Pipeline is PipelineConfig with defaults applied and durations parsed.
type Pipeline struct {
	UpdateWorkers    int
	AlarmWorkers     int
	QueueWarnDepth   int
	MinTTL           time.Duration
	SweepEvery       int
	SweepInterval    time.Duration
	MaintenanceEvery time.Duration
	SendRatePerSec   float64
}

func (c *Config) PipelineSettings() (Pipeline, error) {
	in := c.Pipeline
	p := Pipeline{
		UpdateWorkers:  orDefault(in.UpdateWorkers, 1),
		AlarmWorkers:   orDefault(in.AlarmWorkers, 1),
		QueueWarnDepth: orDefault(in.QueueWarnDepth, 50),
		SweepEvery:     orDefault(in.SweepEvery, 100),
		SendRatePerSec: in.SendRatePerSec,
	}
	if p.SendRatePerSec == 0 {
		p.SendRatePerSec = 25
	}
	if p.SendRatePerSec < 0 {
		p.SendRatePerSec = 0
	}
	var errs []error
	var err error
	if p.MinTTL, err = ParseDurationField("pipeline.min_ttl", in.MinTTL); err != nil {
		errs = append(errs, err)
	}
	if p.SweepInterval, err = ParseDurationOrDefault("pipeline.sweep_interval", in.SweepInterval, time.Minute); err != nil {
		errs = append(errs, err)
	}
	if p.MaintenanceEvery, err = ParseDurationOrDefault("pipeline.maintenance_every", in.MaintenanceEvery, 5*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if in.UpdateWorkers < 0 || in.AlarmWorkers < 0 {
		errs = append(errs, errors.New("pipeline: worker counts must be >= 0"))
	}
	return p, errors.Join(errs...)
}

// Geocoder is GeocoderConfig with defaults applied.
type Geocoder struct {
	Enabled    bool
	APIKey     string
	Language   string
	RatePerSec float64
	BatchSize  int
	Interval   time.Duration
}

func (c *Config) GeocoderSettings() (Geocoder, error) {
	in := c.Geocoder
	g := Geocoder{
		Enabled:    in.Enabled,
		APIKey:     strings.TrimSpace(in.APIKey),
		Language:   strings.TrimSpace(in.Language),
		RatePerSec: in.RatePerSec,
		BatchSize:  orDefault(in.BatchSize, 50),
	}
	if g.Language == "" {
		g.Language = "pt-BR"
	}
	if g.RatePerSec == 0 {
		g.RatePerSec = 10
	}
	var err error
	if g.Interval, err = ParseDurationOrDefault("geocoder.interval", in.Interval, time.Minute); err != nil {
		return g, err
	}
	if g.Enabled && g.APIKey == "" {
		return g, errors.New("geocoder.api_key is required when geocoder.enabled")
	}
	return g, nil
}

func (c *Config) StorageSettings() (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if driver != "" && driver != "sqlite" && driver != "sqlite3" {
		return storage.Config{}, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver)
	}
	path := strings.TrimSpace(c.Storage.Path)
	if path == "" {
		path = "./data/sightbot.db"
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: bt}, nil
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

// TierPolicy returns the configured tiers, or the built-in policy when none
// are configured.
func (c *Config) TierPolicy() ([]fanout.Tier, error) {
	if len(c.Tiers) == 0 {
		return fanout.DefaultTiers(sighting.Recipient(c.Telegram.BroadcastChat), c.Telegram.BroadcastKinds), nil
	}
	tiers := make([]fanout.Tier, 0, len(c.Tiers))
	for i, tc := range c.Tiers {
		mode := fanout.Mode(strings.ToLower(strings.TrimSpace(tc.Mode)))
		if mode == "" {
			mode = fanout.ModeSubscribers
		}
		if mode != fanout.ModeSubscribers && mode != fanout.ModeBroadcast {
			return nil, fmt.Errorf("tiers[%d]: unknown mode %q", i, tc.Mode)
		}
		tiers = append(tiers, fanout.Tier{
			Name:         strings.TrimSpace(tc.Name),
			Mode:         mode,
			RadiusMeters: tc.RadiusMeters,
			RestrictKind: tc.RestrictKind,
			Exclusive:    tc.Exclusive,
			Silent:       tc.Silent,
			Destination:  sighting.Recipient(tc.Destination),
			Kinds:        tc.Kinds,
			Text:         tc.Text,
			Title:        tc.Title,
		})
	}
	if err := fanout.ValidateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

// LogConfig converts the logging section for logx.Service.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Telegram.Enabled && c.Telegram.OpsChat != 0,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

// Validate checks everything the app needs at startup and on reload.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := c.PollTimeout(); err != nil {
		errs = append(errs, err)
	}
	if lvl := c.Logging.Level; lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := c.Logging.Telegram.MinLevel; lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", lvl))
	}
	if strings.TrimSpace(c.Webhook.Addr) == "" {
		errs = append(errs, errors.New("webhook.addr is required"))
	}
	if _, err := c.PipelineSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GeocoderSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TierPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("tiers: %w", err))
	}
	return errors.Join(errs...)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
