// Package dispatch runs the two consumer loops of the pipeline: the update
// dispatcher turns ingress updates into jobs, and the alarm dispatcher
// delivers jobs through a Sender.
package dispatch

import (
	"context"
	"time"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

// Enricher attaches best-effort address text to a position. A nil enrichment
// with a nil error is the normal "not known yet" answer.
type Enricher interface {
	Enrich(ctx context.Context, pos geo.Position) (*sighting.Enrichment, error)
}

// Sender delivers one payload to one recipient.
type Sender interface {
	SendText(ctx context.Context, to sighting.Recipient, p sighting.Payload, silent bool) error
	SendVenue(ctx context.Context, to sighting.Recipient, p sighting.Payload, silent bool) error
}

// FanOuter builds the jobs for an accepted sighting.
type FanOuter interface {
	FanOut(ctx context.Context, ev sighting.Event, enr *sighting.Enrichment) ([]sighting.Job, error)
}

// Deduper is the seen-registry contract used by the update dispatcher.
type Deduper interface {
	Observe(id string, expires time.Time) bool
	Sweep(now time.Time) int
	Len() int
}
