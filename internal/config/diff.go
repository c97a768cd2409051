package config

import (
	"reflect"
	"strings"

	logx "sightbot/pkg/logx"
)

// Live sections take effect on reload; the rest are reported as requiring a
// restart.
const (
	SectionTelegram = "telegram"
	SectionLogging  = "logging"
	SectionWebhook  = "webhook"
	SectionPipeline = "pipeline"
	SectionTiers    = "tiers"
	SectionDedup    = "dedup"
	SectionGeocoder = "geocoder"
	SectionStorage  = "storage"
	SectionMetrics  = "metrics"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, api keys) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	o, n := oldCfg, newCfg

	if !reflect.DeepEqual(o.Telegram, n.Telegram) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", o.Telegram.Token != n.Telegram.Token),
			logx.Int64("telegram.broadcast_chat", n.Telegram.BroadcastChat),
			logx.Int64("telegram.ops_chat", n.Telegram.OpsChat),
		)
	}
	if !reflect.DeepEqual(o.Logging, n.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(o.Webhook, n.Webhook) {
		changed = append(changed, SectionWebhook)
		attrs = append(attrs,
			logx.String("webhook.addr", n.Webhook.Addr),
			logx.Bool("webhook.token_set", n.Webhook.Token != ""),
		)
	}
	if !reflect.DeepEqual(o.Pipeline, n.Pipeline) {
		changed = append(changed, SectionPipeline)
		attrs = append(attrs,
			logx.Int("pipeline.update_workers", n.Pipeline.UpdateWorkers),
			logx.Int("pipeline.alarm_workers", n.Pipeline.AlarmWorkers),
			logx.Int("pipeline.queue_warn_depth", n.Pipeline.QueueWarnDepth),
		)
	}
	if !reflect.DeepEqual(o.Tiers, n.Tiers) {
		changed = append(changed, SectionTiers)
		attrs = append(attrs, logx.Int("tiers.count", len(n.Tiers)))
	}
	if o.Dedup != n.Dedup {
		changed = append(changed, SectionDedup)
		attrs = append(attrs, logx.Bool("dedup.persist", n.Dedup.Persist))
	}
	if o.Geocoder != n.Geocoder {
		changed = append(changed, SectionGeocoder)
		attrs = append(attrs,
			logx.Bool("geocoder.enabled", n.Geocoder.Enabled),
			logx.String("geocoder.language", n.Geocoder.Language),
			logx.Bool("geocoder.api_key_changed", o.Geocoder.APIKey != n.Geocoder.APIKey),
		)
	}
	if o.Storage != n.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.path", n.Storage.Path))
	}
	if o.Metrics != n.Metrics {
		changed = append(changed, SectionMetrics)
		attrs = append(attrs, logx.Bool("metrics.enabled", n.Metrics.Enabled))
	}
	return changed, attrs
}

// RestartRequired filters changed sections down to those that cannot be
// applied live. Pipeline changes are live only when just queue_warn_depth
// moved.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionLogging:
			continue
		case SectionPipeline:
			if oldCfg != nil && newCfg != nil {
				a, b := oldCfg.Pipeline, newCfg.Pipeline
				a.QueueWarnDepth, b.QueueWarnDepth = 0, 0
				if a == b {
					continue
				}
			}
		case SectionTelegram:
			// ops chat moves with the log sink
			if oldCfg != nil && newCfg != nil {
				a, b := oldCfg.Telegram, newCfg.Telegram
				a.OpsChat, b.OpsChat = 0, 0
				if reflect.DeepEqual(a, b) {
					continue
				}
			}
		}
		out = append(out, s)
	}
	return out
}
