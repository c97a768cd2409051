package storage

import (
	"errors"
	"time"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Subscriber is one chat that may receive alerts.
type Subscriber struct {
	ChatID          sighting.Recipient
	Position        *geo.Position // nil until the chat shares a location
	Enabled         bool
	ReportCatchable bool
	LastMessage     time.Time
}

// Location is a cached reverse-geocoding entry keyed by exact coordinates.
type Location struct {
	Position   geo.Position
	Resolved   bool
	Enrichment sighting.Enrichment
}
