package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"sightbot/internal/eventbus"
	"sightbot/internal/metrics"
	"sightbot/internal/queue"
	"sightbot/internal/sighting"
	logx "sightbot/pkg/logx"
)

type UpdateConfig struct {
	// SweepEvery sweeps the dedup registry after this many processed updates
	// (0 disables the count trigger).
	SweepEvery int
	// SweepInterval sweeps when this much wall time passed since the last
	// sweep, checked between pulls (0 disables the time trigger).
	SweepInterval time.Duration
}

type UpdateDeps struct {
	In       *queue.Queue[sighting.Update]
	Out      *queue.Queue[sighting.Job]
	Dedup    Deduper
	Engine   FanOuter
	Enricher Enricher // optional

	InDepth  *DepthMonitor // optional
	OutDepth *DepthMonitor // optional

	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Now     func() time.Time
}

// UpdateDispatcher consumes ingress updates. Any number of Run loops may share
// one dispatcher.
type UpdateDispatcher struct {
	cfg UpdateConfig
	UpdateDeps

	processed atomic.Uint64
	lastSweep atomic.Int64 // unix nanos
}

func NewUpdateDispatcher(cfg UpdateConfig, deps UpdateDeps) *UpdateDispatcher {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &UpdateDispatcher{cfg: cfg, UpdateDeps: deps}
	d.lastSweep.Store(deps.Now().UnixNano())
	return d
}

// Run pulls updates until ctx is canceled or the ingress queue is closed and
// drained. The update in progress when ctx is canceled is finished first.
func (d *UpdateDispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := d.In.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		d.safeHandle(context.WithoutCancel(ctx), u)
		if d.InDepth != nil {
			d.InDepth.Check(d.In.Len())
		}
		d.maybeSweep(d.processed.Add(1))
	}
}

func (d *UpdateDispatcher) safeHandle(ctx context.Context, u sighting.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.Metrics.Sighting(metrics.ReasonPanic)
			d.Log.Error("update handler panicked",
				logx.String("kind", u.Kind),
				logx.Any("payload", u.Payload),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	d.Handle(ctx, u)
}

// Handle runs one update through validation, dedup, fan-out and enqueueing.
// It returns the number of jobs enqueued.
func (d *UpdateDispatcher) Handle(ctx context.Context, u sighting.Update) int {
	if u.Kind != sighting.KindPokemon {
		d.Log.Debug("ignoring update kind", logx.String("kind", u.Kind))
		d.Metrics.Sighting(metrics.ReasonOtherKind)
		return 0
	}

	ev, err := sighting.ParseEvent(u.Payload)
	if err != nil {
		d.Log.Debug("invalid sighting; ignoring", logx.Err(err))
		d.Metrics.Sighting(metrics.ReasonMalformed)
		return 0
	}
	log := d.Log.With(logx.String("event_id", ev.ID), logx.Int("kind", ev.Kind))

	if !d.Dedup.Observe(ev.ID, ev.Expires) {
		log.Debug("duplicate sighting")
		d.Metrics.Sighting(metrics.ReasonDuplicate)
		return 0
	}
	d.Metrics.DedupSize(d.Dedup.Len())

	var enr *sighting.Enrichment
	if d.Enricher != nil {
		enr, err = d.Enricher.Enrich(ctx, ev.Position)
		if err != nil {
			d.drop(log, ev, fmt.Errorf("enrich: %w", err))
			return 0
		}
	}

	start := time.Now()
	jobs, err := d.Engine.FanOut(ctx, ev, enr)
	d.Metrics.ObserveFanOut(time.Since(start).Seconds())
	if err != nil {
		d.drop(log, ev, fmt.Errorf("fan-out: %w", err))
		return 0
	}
	if len(jobs) == 0 {
		log.Debug("sighting produced no jobs", logx.Duration("remaining", ev.Remaining(d.Now())))
		d.Metrics.Sighting(metrics.ReasonExpiring)
		d.Bus.Publish(eventbus.Event{Type: eventbus.SightingDropped, Data: eventbus.SightingData{EventID: ev.ID, Kind: ev.Kind, Reason: "no_jobs"}})
		return 0
	}

	n := 0
	for _, j := range jobs {
		if err := d.Out.Push(j); err != nil {
			log.Warn("alarm queue closed; discarding remaining jobs", logx.Int("discarded", len(jobs)-n))
			break
		}
		d.Metrics.JobEmitted(j.Tier, string(j.Method))
		n++
	}
	if d.OutDepth != nil {
		d.OutDepth.Check(d.Out.Len())
	}

	d.Metrics.Sighting(metrics.OutcomeAccepted)
	d.Bus.Publish(eventbus.Event{Type: eventbus.SightingAccepted, Data: eventbus.SightingData{EventID: ev.ID, Kind: ev.Kind, Jobs: n}})
	log.Info("sighting dispatched", logx.Int("jobs", n), logx.Duration("remaining", ev.Remaining(d.Now()).Round(time.Second)))
	return n
}

func (d *UpdateDispatcher) drop(log logx.Logger, ev sighting.Event, err error) {
	log.Warn("dropping sighting", logx.Err(err))
	d.Metrics.Sighting(metrics.ReasonError)
	d.Bus.Publish(eventbus.Event{Type: eventbus.SightingDropped, Data: eventbus.SightingData{EventID: ev.ID, Kind: ev.Kind, Reason: err.Error()}})
}

func (d *UpdateDispatcher) maybeSweep(processed uint64) {
	now := d.Now()
	due := false
	if every := d.cfg.SweepEvery; every > 0 && processed%uint64(every) == 0 {
		due = true
	}
	if iv := d.cfg.SweepInterval; iv > 0 {
		last := d.lastSweep.Load()
		if now.UnixNano()-last >= int64(iv) && d.lastSweep.CompareAndSwap(last, now.UnixNano()) {
			due = true
		}
	}
	if due {
		d.Sweep(now)
	}
}

// Sweep evicts expired dedup records. It is also called by the maintenance job.
func (d *UpdateDispatcher) Sweep(now time.Time) int {
	n := d.Dedup.Sweep(now)
	d.lastSweep.Store(now.UnixNano())
	d.Metrics.Swept(n)
	d.Metrics.DedupSize(d.Dedup.Len())
	if n > 0 {
		d.Log.Debug("dedup sweep", logx.Int("removed", n), logx.Int("remaining", d.Dedup.Len()))
	}
	return n
}
