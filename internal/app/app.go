package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sightbot/internal/bot"
	"sightbot/internal/config"
	"sightbot/internal/eventbus"
	"sightbot/internal/metrics"
	"sightbot/internal/runtime/supervisor"
	"sightbot/internal/storage"
	kit "sightbot/internal/transport"
	telegram "sightbot/internal/transport/telegram/adapter"
	"sightbot/internal/webhook"
	logx "sightbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   *storage.Store

	adapter *telegram.Adapter
	bot     *bot.Bot
	webhook *webhook.Server
	cron    *cron.Cron

	*pipeline

	updates chan kit.Update
	now     func() time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		LocationButton: cfg.Telegram.LocationButton,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := newLogging(cfg, ad)
	log = log.With(logx.String("comp", "app"))

	sc, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("path", sc.Path))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	bus := eventbus.New()
	now := time.Now

	p, err := newPipeline(ctx, cfg, pipelineDeps{
		Store:   store,
		Sender:  ad,
		Log:     log.With(logx.String("comp", "pipeline")),
		Metrics: m,
		Bus:     bus,
		Now:     now,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	wh := webhook.New(webhook.Config{
		Listen:       cfg.Webhook.Addr,
		Token:        cfg.Webhook.Token,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Metrics:      cfg.Metrics.Enabled,
		MetricsPath:  cfg.Metrics.Path,
	}, p.ingress, log.With(logx.String("comp", "webhook")), m)

	b := bot.New(store, ad, log.With(logx.String("comp", "bot")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		metrics:  m,
		store:    store,
		adapter:  ad,
		bot:      b,
		webhook:  wh,
		pipeline: p,
		updates:  make(chan kit.Update, 256),
		now:      now,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("bot", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	a.sup.Go0("bot.commands", func(c context.Context) {
		cctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(cctx, a.bot.Commands()); err != nil {
			a.log.Warn("set bot commands failed", logx.Err(err))
		}
	})

	a.depthHooks()

	// A closed queue ends a worker for good; anything else restarts it.
	for i := 0; i < a.settings.UpdateWorkers; i++ {
		a.sup.GoRestart(fmt.Sprintf("dispatch.update.%d", i), a.updater.Run)
	}
	for i := 0; i < a.settings.AlarmWorkers; i++ {
		a.sup.GoRestart(fmt.Sprintf("dispatch.alarm.%d", i), a.alarmer.Run)
	}
	a.sup.GoRestart("dedup.persist", a.dedup.PersistLoop)
	if a.geoWorker != nil {
		a.sup.GoRestart("geocode.worker", a.geoWorker.Run)
	}

	a.sup.Go("webhook", a.webhook.Run)

	a.cron = newCron(a.log.With(logx.String("comp", "maintenance")))
	if _, err := a.scheduleMaintenance(a.cron, a.settings.MaintenanceEvery); err != nil {
		return err
	}
	a.cron.Start()

	// log pipeline events for observability/debug
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("update_workers", a.settings.UpdateWorkers),
		logx.Int("alarm_workers", a.settings.AlarmWorkers),
		logx.String("tiers", strings.Join(a.engine.Tiers(), ",")),
		logx.Bool("geocoder", a.geoWorker != nil),
	)
	return nil
}

// depthHooks mirrors queue pressure onto the event bus.
func (a *App) depthHooks() {
	hook := func(queue string, depth, threshold int) {
		a.bus.Publish(eventbus.Event{Type: eventbus.QueueBacklog, Data: eventbus.BacklogData{Queue: queue, Depth: depth, Threshold: threshold}})
	}
	a.updateDepth.OnExceeded(hook)
	a.alarmDepth.OnExceeded(hook)
}

// applyConfig applies the live-reloadable parts of cfg and reports the rest.
func (a *App) applyConfig(old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	// update log target first (so Apply() doesn't warn when chat logging is enabled)
	a.logs.SetChatTarget(cfg.Telegram.OpsChat)
	a.logs.Apply(cfg.LogConfig())

	if ps, err := cfg.PipelineSettings(); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.updateDepth.SetThreshold(ps.QueueWarnDepth)
		a.alarmDepth.SetThreshold(ps.QueueWarnDepth)
	}

	if restart := config.RestartRequired(old, cfg, sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("pipeline", 3*time.Second, func(c context.Context) error {
		a.pipeline.close()
		return nil
	})

	// Wait for supervised goroutines (workers, webhook, config watch/reload) before closing storage.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped",
		logx.Int("ingress_left", a.ingress.Len()),
		logx.Int("alarms_left", a.alarms.Len()),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
