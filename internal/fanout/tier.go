package fanout

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"sightbot/internal/sighting"
)

type Mode string

const (
	// ModeSubscribers resolves recipients from the directory.
	ModeSubscribers Mode = "subscribers"
	// ModeBroadcast addresses a single fixed destination.
	ModeBroadcast Mode = "broadcast"
)

const (
	DefaultTextTemplate  = "{{.Name}} appeared! {{.Remaining}} left.\n{{.Address}}"
	DefaultTitleTemplate = "{{.Name}} appeared! ({{.Remaining}} left)"
)

// Tier is one notification policy bucket. Tiers are evaluated in the order
// they are given to the engine.
type Tier struct {
	Name string
	Mode Mode

	RadiusMeters float64
	// RestrictKind limits subscriber tiers to recipients watching the kind.
	RestrictKind bool
	// Exclusive removes this tier's recipients from every later tier.
	Exclusive bool
	Silent    bool

	// Destination and Kinds apply to broadcast tiers only. A kind missing from
	// Kinds is not broadcast.
	Destination sighting.Recipient
	Kinds       []int

	Text  string
	Title string
}

// DefaultTiers returns the stock policy: an optional broadcast channel, then
// everyone very close, then watch-list subscribers further out.
func DefaultTiers(broadcast sighting.Recipient, broadcastKinds []int) []Tier {
	var tiers []Tier
	if broadcast != 0 {
		tiers = append(tiers, Tier{
			Name:        "broadcast",
			Mode:        ModeBroadcast,
			Exclusive:   true,
			Silent:      true,
			Destination: broadcast,
			Kinds:       broadcastKinds,
		})
	}
	tiers = append(tiers,
		Tier{Name: "nearby", Mode: ModeSubscribers, RadiusMeters: 70, Exclusive: true},
		Tier{Name: "watchlist", Mode: ModeSubscribers, RadiusMeters: 1000, RestrictKind: true, Exclusive: true},
	)
	return tiers
}

type compiledTier struct {
	Tier
	kinds map[int]struct{}
	text  *template.Template
	title *template.Template
}

func compileTiers(tiers []Tier) ([]compiledTier, error) {
	if len(tiers) == 0 {
		return nil, errors.New("no tiers configured")
	}
	seen := map[string]struct{}{}
	out := make([]compiledTier, 0, len(tiers))
	for i, t := range tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tiers[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("tiers[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		t.Name = name

		switch t.Mode {
		case "", ModeSubscribers:
			t.Mode = ModeSubscribers
			if t.RadiusMeters <= 0 {
				return nil, fmt.Errorf("tier %s: radius must be > 0", name)
			}
		case ModeBroadcast:
			if t.Destination == 0 {
				return nil, fmt.Errorf("tier %s: destination is required", name)
			}
		default:
			return nil, fmt.Errorf("tier %s: unknown mode %q", name, t.Mode)
		}

		ct := compiledTier{Tier: t, kinds: map[int]struct{}{}}
		for _, k := range t.Kinds {
			ct.kinds[k] = struct{}{}
		}

		text := t.Text
		if strings.TrimSpace(text) == "" {
			text = DefaultTextTemplate
		}
		title := t.Title
		if strings.TrimSpace(title) == "" {
			title = DefaultTitleTemplate
		}
		var err error
		if ct.text, err = template.New(name + ".text").Option("missingkey=error").Parse(text); err != nil {
			return nil, fmt.Errorf("tier %s: text template: %w", name, err)
		}
		if ct.title, err = template.New(name + ".title").Option("missingkey=error").Parse(title); err != nil {
			return nil, fmt.Errorf("tier %s: title template: %w", name, err)
		}
		out = append(out, ct)
	}
	return out, nil
}

func (t compiledTier) broadcasts(kind int) bool {
	_, ok := t.kinds[kind]
	return ok
}

// ValidateTiers reports whether tiers would be accepted by NewEngine.
func ValidateTiers(tiers []Tier) error {
	_, err := compileTiers(tiers)
	return err
}
