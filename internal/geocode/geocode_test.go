package geocode

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
	logx "sightbot/pkg/logx"
)

type memCache struct {
	mu   sync.Mutex
	locs map[geo.Position]storage.Location
	err  error
}

func newMemCache() *memCache { return &memCache{locs: map[geo.Position]storage.Location{}} }

func (c *memCache) Location(_ context.Context, pos geo.Position) (storage.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return storage.Location{}, c.err
	}
	l, ok := c.locs[pos]
	if !ok {
		l = storage.Location{Position: pos}
		c.locs[pos] = l
	}
	return l, nil
}

func (c *memCache) UnresolvedLocations(_ context.Context, limit int) ([]storage.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []storage.Location
	for _, l := range c.locs {
		if !l.Resolved && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *memCache) ResolveLocation(_ context.Context, pos geo.Position, enr sighting.Enrichment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locs[pos] = storage.Location{Position: pos, Resolved: true, Enrichment: enr}
	return nil
}

type fakeClient struct {
	answers map[geo.Position]*sighting.Enrichment
	err     error
	calls   int
}

func (f *fakeClient) Reverse(_ context.Context, pos geo.Position) (*sighting.Enrichment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.answers[pos], nil
}

func TestEnricher_PendingThenResolved(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	e := NewEnricher(cache)
	pos := geo.Position{Lat: -22.9, Lon: -43.2}

	enr, err := e.Enrich(ctx, pos)
	require.NoError(t, err)
	assert.Nil(t, enr)

	pending, _ := cache.UnresolvedLocations(ctx, 10)
	require.Len(t, pending, 1)

	require.NoError(t, cache.ResolveLocation(ctx, pos, sighting.Enrichment{StreetName: "Rua A"}))
	enr, err = e.Enrich(ctx, pos)
	require.NoError(t, err)
	require.NotNil(t, enr)
	assert.Equal(t, "Rua A", enr.StreetName)
}

func TestEnricher_PropagatesCacheError(t *testing.T) {
	cache := newMemCache()
	cache.err = errors.New("disk full")
	_, err := NewEnricher(cache).Enrich(context.Background(), geo.Position{})
	assert.Error(t, err)
}

func TestWorker_ResolvesBatch(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	known := geo.Position{Lat: 1, Lon: 1}
	unknown := geo.Position{Lat: 2, Lon: 2}
	_, _ = cache.Location(ctx, known)
	_, _ = cache.Location(ctx, unknown)

	client := &fakeClient{answers: map[geo.Position]*sighting.Enrichment{
		known: {StreetName: "Rua B", StreetNumber: "7"},
	}}
	w := NewWorker(WorkerConfig{BatchSize: 10}, cache, client, logx.Nop(), nil)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l, _ := cache.Location(ctx, known)
	assert.True(t, l.Resolved)
	assert.Equal(t, "7", l.Enrichment.StreetNumber)

	l, _ = cache.Location(ctx, unknown)
	assert.True(t, l.Resolved, "an empty answer still resolves the entry")
	assert.Empty(t, l.Enrichment.StreetName)
}

func TestWorker_StopsOnFailure(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()
	_, _ = cache.Location(ctx, geo.Position{Lat: 1, Lon: 1})
	_, _ = cache.Location(ctx, geo.Position{Lat: 2, Lon: 2})

	client := &fakeClient{err: errors.New("OVER_QUERY_LIMIT")}
	w := NewWorker(WorkerConfig{BatchSize: 10}, cache, client, logx.Nop(), nil)

	n, err := w.RunOnce(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, client.calls)

	pending, _ := cache.UnresolvedLocations(ctx, 10)
	assert.Len(t, pending, 2)
}

func TestFromComponents(t *testing.T) {
	enr := fromComponents([]maps.AddressComponent{
		{ShortName: "10", Types: []string{"street_number"}},
		{ShortName: "R. Pinheiro Machado", Types: []string{"route"}},
		{ShortName: "Laranjeiras", Types: []string{"political", "sublocality", "sublocality_level_1"}},
		{ShortName: "Zona Sul", Types: []string{"political", "sublocality", "sublocality_level_2"}},
		{ShortName: "Rio de Janeiro", Types: []string{"locality", "political"}},
		{ShortName: "Palácio Guanabara", Types: []string{"premise"}},
	})
	assert.Equal(t, sighting.Enrichment{
		StreetName:   "R. Pinheiro Machado",
		StreetNumber: "10",
		Sublocality:  "Laranjeiras",
		Locality:     "Rio de Janeiro",
		Premise:      "Palácio Guanabara",
	}, enr)
}

func TestNewGoogle_RequiresKey(t *testing.T) {
	_, err := NewGoogle("", "pt-BR")
	assert.Error(t, err)
}
