package fanout

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"sightbot/internal/pokedex"
	"sightbot/internal/sighting"
)

// Engine applies the ordered tiers to a single sighting.
type Engine struct {
	resolver *Resolver
	tiers    []compiledTier
	minTTL   time.Duration

	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

// WithMinTTL drops sightings with less time left than d.
func WithMinTTL(d time.Duration) Option { return func(e *Engine) { e.minTTL = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

func NewEngine(resolver *Resolver, tiers []Tier, opts ...Option) (*Engine, error) {
	ct, err := compileTiers(tiers)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		resolver: resolver,
		tiers:    ct,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Tiers returns the configured tier names in evaluation order.
func (e *Engine) Tiers() []string {
	out := make([]string, len(e.tiers))
	for i, t := range e.tiers {
		out[i] = t.Name
	}
	return out
}

// FanOut builds the jobs for ev. enr may be nil.
//
// A sighting with less than the minimum TTL left yields no jobs and no error.
// Directory failures abort the whole sighting.
func (e *Engine) FanOut(ctx context.Context, ev sighting.Event, enr *sighting.Enrichment) ([]sighting.Job, error) {
	now := e.now()
	remaining := ev.Remaining(now)
	if remaining < e.minTTL {
		return nil, nil
	}

	data := phraseData{
		Name:      pokedex.Name(ev.Kind),
		Kind:      ev.Kind,
		Remaining: FormatRemaining(remaining),
		Address:   Address(ev, enr),
		Lat:       ev.Position.Lat,
		Lon:       ev.Position.Lon,
	}

	excluded := sighting.RecipientSet{}
	var jobs []sighting.Job
	for _, t := range e.tiers {
		recipients, err := e.recipients(ctx, t, ev)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}
		recipients = recipients.Minus(excluded)
		if recipients.Len() == 0 {
			continue
		}

		data.Tier = t.Name
		text, err := render(t.text, data)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}
		title, err := render(t.title, data)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}

		jobs = append(jobs,
			sighting.Job{
				ID:         e.newID(),
				Tier:       t.Name,
				EventID:    ev.ID,
				Recipients: recipients,
				Method:     sighting.MethodText,
				Payload:    sighting.Payload{Text: text},
				Silent:     t.Silent,
			},
			sighting.Job{
				ID:         e.newID(),
				Tier:       t.Name,
				EventID:    ev.ID,
				Recipients: recipients,
				Method:     sighting.MethodVenue,
				Payload: sighting.Payload{
					Title:    title,
					Address:  data.Address,
					Position: ev.Position,
				},
				Silent: t.Silent,
			},
		)

		if t.Exclusive {
			excluded.Union(recipients)
		}
	}
	return jobs, nil
}

func (e *Engine) recipients(ctx context.Context, t compiledTier, ev sighting.Event) (sighting.RecipientSet, error) {
	if t.Mode == ModeBroadcast {
		if !t.broadcasts(ev.Kind) {
			return sighting.RecipientSet{}, nil
		}
		return sighting.NewRecipientSet(t.Destination), nil
	}
	c := Criteria{
		Center:       ev.Position,
		RadiusMeters: t.RadiusMeters,
		EnabledOnly:  true,
	}
	if t.RestrictKind {
		kind := ev.Kind
		c.Kind = &kind
	}
	return e.resolver.Resolve(ctx, c)
}

type phraseData struct {
	Tier      string
	Name      string
	Kind      int
	Remaining string
	Address   string
	Lat       float64
	Lon       float64
}

func render(t *template.Template, data phraseData) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// FormatRemaining renders a duration as "Mm Ss".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}

// Address prefers geocoded street text and falls back to raw coordinates.
func Address(ev sighting.Event, enr *sighting.Enrichment) string {
	if enr != nil {
		if s := strings.TrimSpace(enr.StreetName); s != "" {
			if n := strings.TrimSpace(enr.StreetNumber); n != "" {
				return s + ", " + n
			}
			return s
		}
		if p := strings.TrimSpace(enr.Premise); p != "" {
			return p
		}
		var parts []string
		for _, s := range []string{enr.Sublocality, enr.Locality} {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ", ")
		}
	}
	return fmt.Sprintf("%f, %f", ev.Position.Lat, ev.Position.Lon)
}
