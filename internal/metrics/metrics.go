// Package metrics exposes pipeline counters and gauges to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sightbot"

// Sighting outcomes.
const (
	OutcomeAccepted = "accepted"
	ReasonMalformed = "malformed"
	ReasonOtherKind = "other_kind"
	ReasonDuplicate = "duplicate"
	ReasonExpiring  = "expiring"
	ReasonError     = "error"
	ReasonPanic     = "panic"
)

type Metrics struct {
	reg *prometheus.Registry

	queueDepth  *prometheus.GaugeVec
	events      *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	sends       *prometheus.CounterVec
	unsupported prometheus.Counter
	dedupSize   prometheus.Gauge
	swept       prometheus.Counter
	geocoded    *prometheus.CounterVec
	fanoutDur   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending items per pipeline queue",
	}, []string{"queue"})
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sightings_total",
		Help:      "Ingress updates by outcome",
	}, []string{"outcome"})
	m.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_emitted_total",
		Help:      "Dispatch jobs emitted by tier and method",
	}, []string{"tier", "method"})
	m.sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Per-recipient send attempts by tier and status",
	}, []string{"tier", "status"})
	m.unsupported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_unsupported_total",
		Help:      "Jobs dropped because their send method has no handler",
	})
	m.dedupSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedup_entries",
		Help:      "Identifiers currently held by the deduplicator",
	})
	m.swept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_swept_total",
		Help:      "Expired identifiers removed by sweeps",
	})
	m.geocoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocode_lookups_total",
		Help:      "Reverse geocoding lookups by status",
	}, []string{"status"})
	m.fanoutDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_duration_seconds",
		Help:      "Time spent resolving tiers for one sighting",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.reg.MustRegister(
		m.queueDepth, m.events, m.jobs, m.sends, m.unsupported,
		m.dedupSize, m.swept, m.geocoded, m.fanoutDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) QueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) Sighting(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobEmitted(tier, method string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(tier, method).Inc()
}

func (m *Metrics) Send(tier string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.sends.WithLabelValues(tier, status).Inc()
}

func (m *Metrics) Unsupported() {
	if m == nil {
		return
	}
	m.unsupported.Inc()
}

func (m *Metrics) DedupSize(n int) {
	if m == nil {
		return
	}
	m.dedupSize.Set(float64(n))
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) Geocoded(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.geocoded.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveFanOut(seconds float64) {
	if m == nil {
		return
	}
	m.fanoutDur.Observe(seconds)
}
