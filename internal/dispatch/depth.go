package dispatch

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sightbot/internal/metrics"
	logx "sightbot/pkg/logx"
)

// DepthMonitor is the advisory backpressure signal for one queue. Exceeding
// the threshold never blocks producers; it calls the hook every time and logs
// a throttled warning.
type DepthMonitor struct {
	queue     string
	threshold atomic.Int64
	log       logx.Logger
	metrics   *metrics.Metrics
	hook      func(queue string, depth, threshold int)
	warn      rate.Sometimes
}

func NewDepthMonitor(queue string, threshold int, log logx.Logger, m *metrics.Metrics) *DepthMonitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &DepthMonitor{
		queue:   queue,
		log:     log,
		metrics: m,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	d.threshold.Store(int64(threshold))
	return d
}

// SetThreshold changes the threshold at runtime; 0 disables warnings.
func (d *DepthMonitor) SetThreshold(n int) { d.threshold.Store(int64(n)) }

func (d *DepthMonitor) Threshold() int { return int(d.threshold.Load()) }

// OnExceeded installs a hook called on every check above the threshold.
// It must be set before the monitor is shared.
func (d *DepthMonitor) OnExceeded(fn func(queue string, depth, threshold int)) { d.hook = fn }

// Check records depth and reports whether it is above the threshold.
func (d *DepthMonitor) Check(depth int) bool {
	d.metrics.QueueDepth(d.queue, depth)
	limit := int(d.threshold.Load())
	if limit <= 0 || depth <= limit {
		return false
	}
	if d.hook != nil {
		d.hook(d.queue, depth, limit)
	}
	d.warn.Do(func() {
		d.log.Warn("queue depth above threshold; consider more workers",
			logx.String("queue", d.queue),
			logx.Int("depth", depth),
			logx.Int("threshold", limit),
		)
	})
	return true
}
