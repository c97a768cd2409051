package dispatch

import (
	"context"
	"errors"
	"runtime/debug"

	"golang.org/x/time/rate"

	"sightbot/internal/eventbus"
	"sightbot/internal/metrics"
	"sightbot/internal/queue"
	"sightbot/internal/sighting"
	logx "sightbot/pkg/logx"
)

type handlerFunc func(ctx context.Context, to sighting.Recipient, j sighting.Job) error

type AlarmDeps struct {
	In     *queue.Queue[sighting.Job]
	Sender Sender

	// Limiter paces individual sends across all workers; nil means unpaced.
	Limiter *rate.Limiter
	Depth   *DepthMonitor // optional

	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
}

// AlarmDispatcher delivers jobs. Jobs are never retried.
type AlarmDispatcher struct {
	AlarmDeps
	handlers map[sighting.Method]handlerFunc
}

func NewAlarmDispatcher(deps AlarmDeps) *AlarmDispatcher {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	d := &AlarmDispatcher{AlarmDeps: deps}
	d.handlers = map[sighting.Method]handlerFunc{
		sighting.MethodText: func(ctx context.Context, to sighting.Recipient, j sighting.Job) error {
			return d.Sender.SendText(ctx, to, j.Payload, j.Silent)
		},
		sighting.MethodVenue: func(ctx context.Context, to sighting.Recipient, j sighting.Job) error {
			return d.Sender.SendVenue(ctx, to, j.Payload, j.Silent)
		},
	}
	return d
}

// Run pulls jobs until ctx is canceled or the queue is closed and drained.
// A job in progress when ctx is canceled is finished first.
func (d *AlarmDispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := d.In.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		d.safeDeliver(context.WithoutCancel(ctx), j)
		if d.Depth != nil {
			d.Depth.Check(d.In.Len())
		}
	}
}

func (d *AlarmDispatcher) safeDeliver(ctx context.Context, j sighting.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("alarm job panicked",
				logx.String("job_id", j.ID),
				logx.String("tier", j.Tier),
				logx.String("method", string(j.Method)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	d.Deliver(ctx, j)
}

// Deliver sends j to each recipient, one call per recipient in ascending
// order. It returns the number of successful sends.
func (d *AlarmDispatcher) Deliver(ctx context.Context, j sighting.Job) int {
	log := d.Log.With(logx.String("job_id", j.ID), logx.String("tier", j.Tier), logx.String("event_id", j.EventID))

	h, ok := d.handlers[j.Method]
	if !ok {
		log.Warn("unsupported send method; dropping job", logx.String("method", string(j.Method)))
		d.Metrics.Unsupported()
		return 0
	}

	sent := 0
	for _, to := range j.Recipients.Sorted() {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				log.Warn("send pacing interrupted", logx.Err(err))
				return sent
			}
		}
		if err := h(ctx, to, j); err != nil {
			log.Warn("send failed", logx.Int64("recipient", int64(to)), logx.String("method", string(j.Method)), logx.Err(err))
			d.Metrics.Send(j.Tier, false)
			d.Bus.Publish(eventbus.Event{Type: eventbus.AlarmFailed, Data: eventbus.AlarmData{JobID: j.ID, Tier: j.Tier, Recipient: int64(to), Error: err.Error()}})
			continue
		}
		sent++
		d.Metrics.Send(j.Tier, true)
		d.Bus.Publish(eventbus.Event{Type: eventbus.AlarmSent, Data: eventbus.AlarmData{JobID: j.ID, Tier: j.Tier, Recipient: int64(to)}})
	}
	log.Debug("job delivered", logx.String("method", string(j.Method)), logx.Int("sent", sent), logx.Int("recipients", j.Recipients.Len()))
	return sent
}
