// Package dedup tracks which sightings already had a notification decision.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "sightbot/pkg/logx"
)

// Store persists seen identifiers so a restart does not re-notify.
type Store interface {
	PutSeen(ctx context.Context, id string, until time.Time) error
	LoadSeen(ctx context.Context, now time.Time) (map[string]time.Time, error)
	PruneSeen(ctx context.Context, now time.Time) (int64, error)
}

type record struct {
	id    string
	until time.Time
}

// Deduplicator is a registry of identifier -> expiry. Every access to the
// registry goes through mu, including sweeps.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time

	log   logx.Logger
	store Store

	persistCh chan record
	dropped   atomic.Uint64
}

// New returns a Deduplicator. store may be nil, in which case state is
// memory-only.
func New(log logx.Logger, store Store) *Deduplicator {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deduplicator{
		seen:  map[string]time.Time{},
		log:   log,
		store: store,
	}
	if store != nil {
		d.persistCh = make(chan record, 1024)
	}
	return d
}

// Observe records id and reports whether it was new. The check and the insert
// are atomic with respect to concurrent callers.
func (d *Deduplicator) Observe(id string, expires time.Time) bool {
	d.mu.Lock()
	if _, ok := d.seen[id]; ok {
		d.mu.Unlock()
		return false
	}
	d.seen[id] = expires
	d.mu.Unlock()

	if d.persistCh != nil {
		select {
		case d.persistCh <- record{id: id, until: expires}:
		default:
			d.dropped.Add(1)
		}
	}
	return true
}

// Sweep removes every record whose expiry is at or before now and returns the
// number removed.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, until := range d.seen {
		if !until.After(now) {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	n := len(d.seen)
	d.mu.Unlock()
	return n
}

// Restore preloads unexpired identifiers from the store.
func (d *Deduplicator) Restore(ctx context.Context, now time.Time) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	recs, err := d.store.LoadSeen(ctx, now)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	for id, until := range recs {
		if until.After(now) {
			d.seen[id] = until
		}
	}
	d.mu.Unlock()
	return len(recs), nil
}

// Prune drops expired rows from the store.
func (d *Deduplicator) Prune(ctx context.Context, now time.Time) (int64, error) {
	if d.store == nil {
		return 0, nil
	}
	return d.store.PruneSeen(ctx, now)
}

// PersistLoop writes newly observed identifiers behind to the store until ctx
// is canceled. It returns immediately when there is no store.
func (d *Deduplicator) PersistLoop(ctx context.Context) error {
	if d.persistCh == nil {
		return nil
	}
	report := time.NewTicker(time.Minute)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-report.C:
			if n := d.dropped.Swap(0); n > 0 {
				d.log.Warn("dedup writes dropped (persist queue full)", logx.Uint64("count", n))
			}
		case r := <-d.persistCh:
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := d.store.PutSeen(cctx, r.id, r.until); err != nil {
				d.log.Debug("dedup persist failed", logx.String("id", r.id), logx.Err(err))
			}
			cancel()
		}
	}
}
