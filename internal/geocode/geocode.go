// Package geocode turns sighting coordinates into street addresses. Lookups
// happen in the background; the pipeline only reads the location cache.
package geocode

import (
	"context"
	"errors"
	"slices"
	"strings"

	"googlemaps.github.io/maps"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
)

// Cache is the location cache kept by storage.
type Cache interface {
	Location(ctx context.Context, pos geo.Position) (storage.Location, error)
	UnresolvedLocations(ctx context.Context, limit int) ([]storage.Location, error)
	ResolveLocation(ctx context.Context, pos geo.Position, enr sighting.Enrichment) error
}

// Client performs one reverse geocoding lookup. A nil enrichment with a nil
// error means the provider knows nothing about pos.
type Client interface {
	Reverse(ctx context.Context, pos geo.Position) (*sighting.Enrichment, error)
}

// Enricher answers from the cache only. Unknown positions are queued for the
// worker by creating a pending cache entry.
type Enricher struct {
	cache Cache
}

func NewEnricher(cache Cache) *Enricher { return &Enricher{cache: cache} }

func (e *Enricher) Enrich(ctx context.Context, pos geo.Position) (*sighting.Enrichment, error) {
	loc, err := e.cache.Location(ctx, pos)
	if err != nil {
		return nil, err
	}
	if !loc.Resolved {
		return nil, nil
	}
	enr := loc.Enrichment
	return &enr, nil
}

// Google is a Client backed by the Google Maps Geocoding API.
type Google struct {
	c        *maps.Client
	language string
}

func NewGoogle(apiKey, language string) (*Google, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("geocoder api key is required")
	}
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Google{c: c, language: language}, nil
}

func (g *Google) Reverse(ctx context.Context, pos geo.Position) (*sighting.Enrichment, error) {
	res, err := g.c.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: pos.Lat, Lng: pos.Lon},
		Language: g.language,
	})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	enr := fromComponents(res[0].AddressComponents)
	return &enr, nil
}

// fromComponents maps the first result's address components. Short names
// are used throughout.
func fromComponents(cs []maps.AddressComponent) sighting.Enrichment {
	var enr sighting.Enrichment
	for _, c := range cs {
		has := func(t string) bool { return slices.Contains(c.Types, t) }
		switch {
		case has("route"):
			enr.StreetName = c.ShortName
		case has("street_number"):
			enr.StreetNumber = c.ShortName
		case has("sublocality") && has("sublocality_level_1"):
			enr.Sublocality = c.ShortName
		case has("locality"):
			enr.Locality = c.ShortName
		case has("premise"):
			enr.Premise = c.ShortName
		}
	}
	return enr
}
