package fanout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

type subscriber struct {
	id      sighting.Recipient
	pos     geo.Position
	enabled bool
	kinds   []int
}

type fakeDirectory struct {
	subs    []subscriber
	err     error
	queries int
}

func (d *fakeDirectory) Query(_ context.Context, box geo.Box, kind *int, enabledOnly bool) ([]Candidate, error) {
	d.queries++
	if d.err != nil {
		return nil, d.err
	}
	var out []Candidate
	for _, s := range d.subs {
		if enabledOnly && !s.enabled {
			continue
		}
		if !box.Contains(s.pos) {
			continue
		}
		if kind != nil && !slices.Contains(s.kinds, *kind) {
			continue
		}
		out = append(out, Candidate{Recipient: s.id, Position: s.pos})
	}
	return out, nil
}

var (
	center = geo.Position{Lat: -22.9519, Lon: -43.2105}
	now    = time.Unix(1_700_000_000, 0)
)

func event(kind int, ttl time.Duration) sighting.Event {
	return sighting.Event{ID: "enc-1", Kind: kind, Position: center, Expires: now.Add(ttl)}
}

func newTestEngine(t *testing.T, dir Directory, tiers []Tier, minTTL time.Duration) *Engine {
	t.Helper()
	seq := 0
	e, err := NewEngine(NewResolver(dir), tiers,
		WithMinTTL(minTTL),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("job-%d", seq) }),
	)
	require.NoError(t, err)
	return e
}

func jobsFor(jobs []sighting.Job, tier string) []sighting.Job {
	var out []sighting.Job
	for _, j := range jobs {
		if j.Tier == tier {
			out = append(out, j)
		}
	}
	return out
}

func TestSingleNearbySubscriberScenario(t *testing.T) {
	dir := &fakeDirectory{subs: []subscriber{
		{id: 42, pos: center, enabled: true, kinds: []int{132}},
	}}
	e := newTestEngine(t, dir, DefaultTiers(0, nil), 30*time.Second)

	jobs, err := e.FanOut(context.Background(), event(132, 2*time.Minute), nil)
	require.NoError(t, err)

	nearby := jobsFor(jobs, "nearby")
	require.Len(t, nearby, 2)
	assert.Equal(t, sighting.MethodText, nearby[0].Method)
	assert.Equal(t, sighting.MethodVenue, nearby[1].Method)
	for _, j := range nearby {
		assert.Equal(t, []sighting.Recipient{42}, j.Recipients.Sorted())
		assert.Equal(t, "enc-1", j.EventID)
		assert.False(t, j.Silent)
	}
	assert.Empty(t, jobsFor(jobs, "watchlist"))
	assert.Len(t, jobs, 2)
}

func TestExclusionAcrossTiersIsDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dir := &fakeDirectory{}
	for i := 0; i < 300; i++ {
		p := geo.Destination(center, rng.Float64()*360, rng.Float64()*1500)
		dir.subs = append(dir.subs, subscriber{
			id: sighting.Recipient(i + 1), pos: p, enabled: true, kinds: []int{25},
		})
	}
	tiers := []Tier{
		{Name: "inner", RadiusMeters: 300, Exclusive: true},
		{Name: "outer", RadiusMeters: 1000, RestrictKind: true, Exclusive: true},
	}
	e := newTestEngine(t, dir, tiers, 0)

	jobs, err := e.FanOut(context.Background(), event(25, time.Minute), nil)
	require.NoError(t, err)

	inner := jobsFor(jobs, "inner")
	outer := jobsFor(jobs, "outer")
	require.Len(t, inner, 2)
	require.Len(t, outer, 2)

	for r := range outer[0].Recipients {
		assert.False(t, inner[0].Recipients.Has(r), "recipient %d in both tiers", r)
		assert.LessOrEqual(t, geo.DistanceMeters(center, dir.subs[r-1].pos), 1000.0)
		assert.Greater(t, geo.DistanceMeters(center, dir.subs[r-1].pos), 300.0)
	}
	for r := range inner[0].Recipients {
		assert.LessOrEqual(t, geo.DistanceMeters(center, dir.subs[r-1].pos), 300.0)
	}
}

func TestNonExclusiveTierDoesNotExclude(t *testing.T) {
	dir := &fakeDirectory{subs: []subscriber{{id: 1, pos: center, enabled: true, kinds: []int{1}}}}
	tiers := []Tier{
		{Name: "a", RadiusMeters: 100},
		{Name: "b", RadiusMeters: 200},
	}
	e := newTestEngine(t, dir, tiers, 0)
	jobs, err := e.FanOut(context.Background(), event(1, time.Minute), nil)
	require.NoError(t, err)
	assert.Len(t, jobsFor(jobs, "a"), 2)
	assert.Len(t, jobsFor(jobs, "b"), 2)
}

func TestNearExpiryProducesNoJobs(t *testing.T) {
	dir := &fakeDirectory{subs: []subscriber{{id: 1, pos: center, enabled: true}}}
	e := newTestEngine(t, dir, DefaultTiers(0, nil), 30*time.Second)

	jobs, err := e.FanOut(context.Background(), event(1, 29*time.Second), nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, dir.queries)

	jobs, err = e.FanOut(context.Background(), event(1, -time.Minute), nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBroadcastTierKindGating(t *testing.T) {
	dir := &fakeDirectory{}
	e := newTestEngine(t, dir, DefaultTiers(-100123, []int{131, 149}), 0)

	jobs, err := e.FanOut(context.Background(), event(149, time.Minute), nil)
	require.NoError(t, err)
	bc := jobsFor(jobs, "broadcast")
	require.Len(t, bc, 2)
	assert.Equal(t, []sighting.Recipient{-100123}, bc[0].Recipients.Sorted())
	assert.True(t, bc[0].Silent)

	jobs, err = e.FanOut(context.Background(), event(16, time.Minute), nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDisabledSubscribersAreSkipped(t *testing.T) {
	dir := &fakeDirectory{subs: []subscriber{{id: 1, pos: center, enabled: false, kinds: []int{1}}}}
	e := newTestEngine(t, dir, DefaultTiers(0, nil), 0)
	jobs, err := e.FanOut(context.Background(), event(1, time.Minute), nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDirectoryErrorPropagates(t *testing.T) {
	boom := errors.New("db locked")
	e := newTestEngine(t, &fakeDirectory{err: boom}, DefaultTiers(0, nil), 0)
	jobs, err := e.FanOut(context.Background(), event(1, time.Minute), nil)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, jobs)
}

func TestResolverKeepsCircleNotBox(t *testing.T) {
	corner := geo.Destination(center, 45, 1300)
	edge := geo.Destination(center, 90, 990)
	dir := &fakeDirectory{subs: []subscriber{
		{id: 1, pos: corner, enabled: true},
		{id: 2, pos: edge, enabled: true},
	}}
	got, err := NewResolver(dir).Resolve(context.Background(), Criteria{Center: center, RadiusMeters: 1000, EnabledOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []sighting.Recipient{2}, got.Sorted())
}

func TestPhrasing(t *testing.T) {
	dir := &fakeDirectory{subs: []subscriber{{id: 1, pos: center, enabled: true}}}
	tiers := []Tier{{
		Name:         "nearby",
		RadiusMeters: 70,
		Text:         "[{{.Tier}}] {{.Name}} #{{.Kind}} - {{.Remaining}} - {{.Address}}",
	}}
	e := newTestEngine(t, dir, tiers, 0)

	enr := &sighting.Enrichment{StreetName: "Rua Pinheiro Machado", StreetNumber: "10"}
	jobs, err := e.FanOut(context.Background(), event(132, 95*time.Second), enr)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "[nearby] Ditto #132 - 1m 35s - Rua Pinheiro Machado, 10", jobs[0].Payload.Text)
	assert.Equal(t, "Ditto appeared! (1m 35s left)", jobs[1].Payload.Title)
	assert.Equal(t, "Rua Pinheiro Machado, 10", jobs[1].Payload.Address)
	assert.Equal(t, center, jobs[1].Payload.Position)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)
}

func TestAddressFallbacks(t *testing.T) {
	ev := event(1, time.Minute)
	assert.True(t, strings.HasPrefix(Address(ev, nil), "-22.951900, "))
	assert.Equal(t, "Botafogo, Rio de Janeiro", Address(ev, &sighting.Enrichment{Sublocality: "Botafogo", Locality: "Rio de Janeiro"}))
	assert.Equal(t, "Palácio Guanabara", Address(ev, &sighting.Enrichment{Premise: "Palácio Guanabara", Locality: "Rio"}))
	assert.Equal(t, "Rua X", Address(ev, &sighting.Enrichment{StreetName: "Rua X"}))
}

func TestTierValidation(t *testing.T) {
	assert.Error(t, ValidateTiers(nil))
	assert.Error(t, ValidateTiers([]Tier{{Name: "x"}}))
	assert.Error(t, ValidateTiers([]Tier{{Name: "x", Mode: ModeBroadcast}}))
	assert.Error(t, ValidateTiers([]Tier{{Name: "x", RadiusMeters: 1}, {Name: "x", RadiusMeters: 2}}))
	assert.Error(t, ValidateTiers([]Tier{{Name: "x", RadiusMeters: 1, Text: "{{.Nope"}}))
	assert.NoError(t, ValidateTiers(DefaultTiers(5, []int{1})))
}
