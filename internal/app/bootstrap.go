package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"sightbot/internal/config"
	"sightbot/internal/dedup"
	"sightbot/internal/dispatch"
	"sightbot/internal/eventbus"
	"sightbot/internal/fanout"
	"sightbot/internal/geocode"
	"sightbot/internal/metrics"
	"sightbot/internal/queue"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
	logx "sightbot/pkg/logx"
)

const (
	queueUpdate = "update"
	queueAlarm  = "alarm"
)

// newLogging bootstraps with chat output disabled, sets the ops chat target,
// then applies the final config so Apply does not warn about a missing target.
func newLogging(cfg *config.Config, sink logx.ChatSink) (*logx.Service, logx.Logger) {
	final := cfg.LogConfig()
	boot := final
	boot.Chat.Enabled = false
	svc, log := logx.New(boot, sink)
	svc.SetChatTarget(cfg.Telegram.OpsChat)
	svc.Apply(final)
	return svc, log
}

// pipeline is the dispatch core: both queues, their consumers and the
// helpers they share.
type pipeline struct {
	settings config.Pipeline

	ingress *queue.Queue[sighting.Update]
	alarms  *queue.Queue[sighting.Job]

	updateDepth *dispatch.DepthMonitor
	alarmDepth  *dispatch.DepthMonitor

	dedup   *dedup.Deduplicator
	engine  *fanout.Engine
	updater *dispatch.UpdateDispatcher
	alarmer *dispatch.AlarmDispatcher

	geoWorker *geocode.Worker // nil when the geocoder is disabled
}

type pipelineDeps struct {
	Store   *storage.Store
	Sender  dispatch.Sender
	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Now     func() time.Time
}

func newPipeline(ctx context.Context, cfg *config.Config, deps pipelineDeps) (*pipeline, error) {
	ps, err := cfg.PipelineSettings()
	if err != nil {
		return nil, err
	}
	tiers, err := cfg.TierPolicy()
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	log := deps.Log

	var seenStore dedup.Store
	if cfg.Dedup.Persist {
		seenStore = deps.Store
	}
	dd := dedup.New(log.With(logx.String("comp", "dedup")), seenStore)
	if n, err := dd.Restore(ctx, deps.Now()); err != nil {
		log.Warn("restore seen ids failed; starting empty", logx.Err(err))
	} else if n > 0 {
		log.Info("seen ids restored", logx.Int("count", n))
	}

	eng, err := fanout.NewEngine(fanout.NewResolver(deps.Store), tiers,
		fanout.WithMinTTL(ps.MinTTL),
		fanout.WithClock(deps.Now),
	)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		settings:    ps,
		ingress:     queue.New[sighting.Update](),
		alarms:      queue.New[sighting.Job](),
		updateDepth: dispatch.NewDepthMonitor(queueUpdate, ps.QueueWarnDepth, log, deps.Metrics),
		alarmDepth:  dispatch.NewDepthMonitor(queueAlarm, ps.QueueWarnDepth, log, deps.Metrics),
		dedup:       dd,
		engine:      eng,
	}

	// Enrichment reads the location cache only; without a worker pending
	// rows would never resolve, so the enricher is wired with the geocoder.
	var enricher dispatch.Enricher
	gs, err := cfg.GeocoderSettings()
	if err != nil {
		return nil, err
	}
	if gs.Enabled {
		client, err := geocode.NewGoogle(gs.APIKey, gs.Language)
		if err != nil {
			return nil, fmt.Errorf("geocoder: %w", err)
		}
		enricher = geocode.NewEnricher(deps.Store)
		p.geoWorker = geocode.NewWorker(geocode.WorkerConfig{
			BatchSize:  gs.BatchSize,
			Interval:   gs.Interval,
			RatePerSec: gs.RatePerSec,
		}, deps.Store, client, log.With(logx.String("comp", "geocode")), deps.Metrics)
	}

	p.updater = dispatch.NewUpdateDispatcher(dispatch.UpdateConfig{
		SweepEvery:    ps.SweepEvery,
		SweepInterval: ps.SweepInterval,
	}, dispatch.UpdateDeps{
		In:       p.ingress,
		Out:      p.alarms,
		Dedup:    dd,
		Engine:   eng,
		Enricher: enricher,
		InDepth:  p.updateDepth,
		OutDepth: p.alarmDepth,
		Log:      log.With(logx.String("comp", "dispatch.update")),
		Metrics:  deps.Metrics,
		Bus:      deps.Bus,
		Now:      deps.Now,
	})

	var limiter *rate.Limiter
	if ps.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ps.SendRatePerSec), max(1, int(ps.SendRatePerSec)))
	}
	p.alarmer = dispatch.NewAlarmDispatcher(dispatch.AlarmDeps{
		In:      p.alarms,
		Sender:  deps.Sender,
		Limiter: limiter,
		Depth:   p.alarmDepth,
		Log:     log.With(logx.String("comp", "dispatch.alarm")),
		Metrics: deps.Metrics,
		Bus:     deps.Bus,
	})
	return p, nil
}

// close stops both queues; consumers drain what is left and exit.
func (p *pipeline) close() {
	p.ingress.Close()
	p.alarms.Close()
}
