// Package fanout turns one accepted sighting into tiered dispatch jobs.
package fanout

import (
	"context"
	"fmt"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

// Candidate is a subscriber returned by the directory prefilter.
type Candidate struct {
	Recipient sighting.Recipient
	Position  geo.Position
}

// Directory is the subscriber lookup the resolver depends on.
//
// Query returns subscribers whose stored position falls inside box. When kind
// is non-nil only subscribers watching that kind are returned; when
// enabledOnly is set only enabled subscribers are returned.
type Directory interface {
	Query(ctx context.Context, box geo.Box, kind *int, enabledOnly bool) ([]Candidate, error)
}

// Criteria selects recipients around a point.
type Criteria struct {
	Center       geo.Position
	RadiusMeters float64
	Kind         *int
	EnabledOnly  bool
}

type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the recipients inside the circle described by c. The box
// query is only a prefilter; the exact distance decides membership.
func (r *Resolver) Resolve(ctx context.Context, c Criteria) (sighting.RecipientSet, error) {
	box := geo.BoundingBox(c.Center, c.RadiusMeters)
	cands, err := r.dir.Query(ctx, box, c.Kind, c.EnabledOnly)
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}
	out := make(sighting.RecipientSet, len(cands))
	for _, cand := range cands {
		if geo.DistanceMeters(c.Center, cand.Position) <= c.RadiusMeters {
			out.Add(cand.Recipient)
		}
	}
	return out, nil
}
