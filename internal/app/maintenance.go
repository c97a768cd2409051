package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "sightbot/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

func newCron(log logx.Logger) *cron.Cron {
	cl := cronLogger{log: log}
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.Local),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// scheduleMaintenance registers the housekeeping job at the given interval.
func (a *App) scheduleMaintenance(c *cron.Cron, every time.Duration) (cron.EntryID, error) {
	spec := "@every " + every.String()
	if _, err := cronParser.Parse(spec); err != nil {
		return 0, fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	return c.AddJob(spec, cron.FuncJob(func() {
		ctx := context.Background()
		if a.sup != nil {
			ctx = a.sup.Context()
		}
		a.runMaintenance(ctx)
	}))
}

// runMaintenance sweeps the dedup registry, prunes persisted seen ids and
// refreshes queue gauges.
func (a *App) runMaintenance(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	now := a.now()

	swept := a.updater.Sweep(now)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pruned, err := a.dedup.Prune(pctx, now)
	cancel()
	if err != nil {
		a.log.Warn("prune seen ids failed", logx.Err(err))
	}

	a.metrics.QueueDepth(queueUpdate, a.ingress.Len())
	a.metrics.QueueDepth(queueAlarm, a.alarms.Len())

	a.log.Debug("maintenance done",
		logx.Int("swept", swept),
		logx.Int64("pruned", pruned),
		logx.Int("dedup", a.dedup.Len()),
		logx.Duration("took", time.Since(start)),
	)
}
