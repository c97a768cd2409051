package geocode

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"sightbot/internal/metrics"
	"sightbot/internal/sighting"
	logx "sightbot/pkg/logx"
)

type WorkerConfig struct {
	BatchSize int
	// Interval is the idle poll period and the pause after a failed lookup.
	Interval time.Duration
	// RatePerSec caps provider calls; 0 means unpaced.
	RatePerSec float64
}

// Worker resolves pending cache entries through a Client.
type Worker struct {
	cfg     WorkerConfig
	cache   Cache
	client  Client
	limiter *rate.Limiter
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewWorker(cfg WorkerConfig, cache Cache, client Client, log logx.Logger, m *metrics.Metrics) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{cfg: cfg, cache: cache, client: client, log: log, metrics: m}
	if cfg.RatePerSec > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return w
}

// Run loops until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.log.Warn("geocoding failed; backing off", logx.Err(err), logx.Duration("sleep", w.cfg.Interval))
		}
		if err == nil && n == w.cfg.BatchSize {
			// more may be pending
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.Interval):
		}
	}
}

// RunOnce resolves up to one batch and reports how many entries it resolved.
// It stops at the first failed lookup.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.cache.UnresolvedLocations(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, loc := range pending {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return done, err
			}
		}
		enr, err := w.client.Reverse(ctx, loc.Position)
		if err != nil {
			w.metrics.Geocoded(false)
			return done, err
		}
		w.metrics.Geocoded(true)
		if enr == nil {
			// unknown to the provider; resolved with no address
			enr = &sighting.Enrichment{}
		}
		if err := w.cache.ResolveLocation(ctx, loc.Position, *enr); err != nil {
			return done, err
		}
		done++
		w.log.Debug("geocoded location",
			logx.Float64("lat", loc.Position.Lat),
			logx.Float64("lon", loc.Position.Lon),
			logx.String("street", enr.StreetName),
		)
	}
	return done, nil
}
