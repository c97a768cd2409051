// Package sighting defines the values that flow through the fan-out pipeline:
// ingress updates, parsed sighting events, and outbound dispatch jobs.
package sighting

import (
	"sort"
	"time"

	"sightbot/internal/geo"
)

// KindPokemon is the only ingress kind the pipeline acts on.
const KindPokemon = "pokemon"

// Update is one raw item from the detector feed, as queued by the webhook.
type Update struct {
	Kind    string
	Payload map[string]any
}

// Event is a validated sighting. It is read-only once enqueued.
type Event struct {
	ID       string
	Kind     int
	Position geo.Position
	Expires  time.Time
}

// Remaining returns the time left before the sighting expires.
func (e Event) Remaining(now time.Time) time.Duration { return e.Expires.Sub(now) }

// Enrichment is optional address text attached by the geocoder.
type Enrichment struct {
	StreetName   string
	StreetNumber string
	Premise      string
	Sublocality  string
	Locality     string
}

// Recipient is an opaque notification handle (a Telegram chat id).
type Recipient int64

// RecipientSet has set semantics; duplicates are impossible.
type RecipientSet map[Recipient]struct{}

func NewRecipientSet(rs ...Recipient) RecipientSet {
	s := make(RecipientSet, len(rs))
	for _, r := range rs {
		s[r] = struct{}{}
	}
	return s
}

func (s RecipientSet) Add(r Recipient) { s[r] = struct{}{} }

func (s RecipientSet) Has(r Recipient) bool {
	_, ok := s[r]
	return ok
}

func (s RecipientSet) Len() int { return len(s) }

// Minus returns the members of s that are not in other.
func (s RecipientSet) Minus(other RecipientSet) RecipientSet {
	out := make(RecipientSet, len(s))
	for r := range s {
		if !other.Has(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Union adds every member of other to s.
func (s RecipientSet) Union(other RecipientSet) {
	for r := range other {
		s[r] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (s RecipientSet) Sorted() []Recipient {
	out := make([]Recipient, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Method is the closed set of ways a job can be delivered.
type Method string

const (
	MethodText  Method = "text"
	MethodVenue Method = "venue"
)

// Payload carries the method-specific fields of a job.
// Text jobs use Text; venue jobs use Title, Address and Position.
type Payload struct {
	Text     string
	Title    string
	Address  string
	Position geo.Position
}

// Job is one delivery addressed to a recipient set. It is consumed exactly once
// and never retried.
type Job struct {
	ID         string
	Tier       string
	EventID    string
	Recipients RecipientSet
	Method     Method
	Payload    Payload
	Silent     bool
}
