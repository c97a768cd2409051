package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightbot/internal/dedup"
	"sightbot/internal/eventbus"
	"sightbot/internal/fanout"
	"sightbot/internal/geo"
	"sightbot/internal/queue"
	"sightbot/internal/sighting"
)

var (
	testNow    = time.Unix(1_700_000_000, 0)
	testCenter = geo.Position{Lat: -22.9519, Lon: -43.2105}
)

type staticDirectory []fanout.Candidate

func (d staticDirectory) Query(_ context.Context, box geo.Box, _ *int, _ bool) ([]fanout.Candidate, error) {
	var out []fanout.Candidate
	for _, c := range d {
		if box.Contains(c.Position) {
			out = append(out, c)
		}
	}
	return out, nil
}

type stubFanOuter struct {
	fn    func(ev sighting.Event) ([]sighting.Job, error)
	mu    sync.Mutex
	calls int
}

func (f *stubFanOuter) FanOut(_ context.Context, ev sighting.Event, _ *sighting.Enrichment) ([]sighting.Job, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ev)
}

func (f *stubFanOuter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubEnricher struct {
	enr *sighting.Enrichment
	err error
}

func (e stubEnricher) Enrich(context.Context, geo.Position) (*sighting.Enrichment, error) {
	return e.enr, e.err
}

func pokemonUpdate(id string, ttl time.Duration) sighting.Update {
	return sighting.Update{Kind: sighting.KindPokemon, Payload: map[string]any{
		"encounter_id":   id,
		"pokemon_id":     float64(132),
		"latitude":       testCenter.Lat,
		"longitude":      testCenter.Lon,
		"disappear_time": float64(testNow.Add(ttl).Unix()),
	}}
}

func oneJob(ev sighting.Event) ([]sighting.Job, error) {
	return []sighting.Job{{
		ID: "job-" + ev.ID, Tier: "nearby", EventID: ev.ID,
		Recipients: sighting.NewRecipientSet(1), Method: sighting.MethodText,
	}}, nil
}

func newUpdateDispatcher(t *testing.T, engine FanOuter, mut func(*UpdateDeps)) (*UpdateDispatcher, *queue.Queue[sighting.Job]) {
	t.Helper()
	out := queue.New[sighting.Job]()
	deps := UpdateDeps{
		In:     queue.New[sighting.Update](),
		Out:    out,
		Dedup:  dedup.New(nopLog(), nil),
		Engine: engine,
		Now:    func() time.Time { return testNow },
	}
	if mut != nil {
		mut(&deps)
	}
	return NewUpdateDispatcher(UpdateConfig{}, deps), out
}

func TestHandle_DuplicateProducesJobsOnce(t *testing.T) {
	dir := staticDirectory{{Recipient: 7, Position: testCenter}}
	engine, err := fanout.NewEngine(fanout.NewResolver(dir), fanout.DefaultTiers(0, nil),
		fanout.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	d, out := newUpdateDispatcher(t, engine, nil)
	ctx := context.Background()

	first := d.Handle(ctx, pokemonUpdate("abc", 10*time.Minute))
	require.Equal(t, 2, first)
	require.Equal(t, 2, out.Len())

	second := d.Handle(ctx, pokemonUpdate("abc", 10*time.Minute))
	assert.Zero(t, second)
	assert.Equal(t, 2, out.Len())

	j, ok := out.TryPop()
	require.True(t, ok)
	assert.Equal(t, "abc", j.EventID)
	assert.True(t, j.Recipients.Has(7))
}

func TestHandle_IgnoresOtherKindsAndMalformed(t *testing.T) {
	engine := &stubFanOuter{fn: oneJob}
	d, out := newUpdateDispatcher(t, engine, nil)
	ctx := context.Background()

	assert.Zero(t, d.Handle(ctx, sighting.Update{Kind: "gym", Payload: map[string]any{"gym_id": "x"}}))

	bad := pokemonUpdate("abc", time.Minute)
	delete(bad.Payload, "latitude")
	assert.Zero(t, d.Handle(ctx, bad))

	assert.Zero(t, engine.Calls())
	assert.Zero(t, out.Len())
	assert.Zero(t, d.Dedup.Len(), "malformed events must not be marked seen")
}

func TestHandle_EnrichErrorDropsEvent(t *testing.T) {
	engine := &stubFanOuter{fn: oneJob}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	d, out := newUpdateDispatcher(t, engine, func(deps *UpdateDeps) {
		deps.Enricher = stubEnricher{err: errors.New("cache offline")}
		deps.Bus = bus
	})

	assert.Zero(t, d.Handle(context.Background(), pokemonUpdate("abc", time.Minute)))
	assert.Zero(t, engine.Calls())
	assert.Zero(t, out.Len())

	select {
	case e := <-events:
		assert.Equal(t, eventbus.SightingDropped, e.Type)
		data := e.Data.(eventbus.SightingData)
		assert.Equal(t, "abc", data.EventID)
		assert.Contains(t, data.Reason, "cache offline")
	default:
		t.Fatal("expected a dropped event")
	}
}

func TestHandle_FanOutErrorDropsEvent(t *testing.T) {
	engine := &stubFanOuter{fn: func(sighting.Event) ([]sighting.Job, error) {
		return nil, errors.New("directory down")
	}}
	d, out := newUpdateDispatcher(t, engine, nil)

	assert.Zero(t, d.Handle(context.Background(), pokemonUpdate("abc", time.Minute)))
	assert.Zero(t, out.Len())
	// already marked seen; a redelivery is not retried
	assert.Zero(t, d.Handle(context.Background(), pokemonUpdate("abc", time.Minute)))
	assert.Equal(t, 1, engine.Calls())
}

func TestHandle_DepthHookFiresWithoutBlocking(t *testing.T) {
	engine := &stubFanOuter{fn: func(ev sighting.Event) ([]sighting.Job, error) {
		jobs := make([]sighting.Job, 3)
		for i := range jobs {
			jobs[i] = sighting.Job{Tier: "nearby", EventID: ev.ID, Method: sighting.MethodText}
		}
		return jobs, nil
	}}

	mon := NewDepthMonitor("alarm", 4, nopLog(), nil)
	var hits []int
	mon.OnExceeded(func(q string, depth, threshold int) {
		assert.Equal(t, "alarm", q)
		assert.Equal(t, 4, threshold)
		hits = append(hits, depth)
	})

	d, out := newUpdateDispatcher(t, engine, func(deps *UpdateDeps) { deps.OutDepth = mon })
	ctx := context.Background()

	d.Handle(ctx, pokemonUpdate("a", time.Minute))
	assert.Empty(t, hits)
	d.Handle(ctx, pokemonUpdate("b", time.Minute))
	d.Handle(ctx, pokemonUpdate("c", time.Minute))

	assert.Equal(t, []int{6, 9}, hits)
	assert.Equal(t, 9, out.Len(), "jobs stay enqueued")
}

func TestRun_RecoversFromPanicAndDrains(t *testing.T) {
	engine := &stubFanOuter{fn: func(ev sighting.Event) ([]sighting.Job, error) {
		if ev.ID == "boom" {
			panic("template exploded")
		}
		return oneJob(ev)
	}}
	d, out := newUpdateDispatcher(t, engine, nil)

	require.NoError(t, d.In.Push(pokemonUpdate("boom", time.Minute)))
	require.NoError(t, d.In.Push(pokemonUpdate("ok", time.Minute)))
	d.In.Close()

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 2, engine.Calls())
	require.Equal(t, 1, out.Len())
	j, _ := out.TryPop()
	assert.Equal(t, "ok", j.EventID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	d, _ := newUpdateDispatcher(t, &stubFanOuter{fn: oneJob}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SweepsEveryN(t *testing.T) {
	clock := testNow
	engine := &stubFanOuter{fn: oneJob}
	dd := dedup.New(nopLog(), nil)

	out := queue.New[sighting.Job]()
	d := NewUpdateDispatcher(UpdateConfig{SweepEvery: 3}, UpdateDeps{
		In:     queue.New[sighting.Update](),
		Out:    out,
		Dedup:  dd,
		Engine: engine,
		Now:    func() time.Time { return clock },
	})

	// two short-lived sightings, then advance past their expiry
	require.NoError(t, d.In.Push(pokemonUpdate("a", 30*time.Second)))
	require.NoError(t, d.In.Push(pokemonUpdate("b", 30*time.Second)))
	d.In.Close()
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 2, dd.Len(), "no sweep before the third update")

	clock = testNow.Add(time.Minute)
	d.In = queue.New[sighting.Update]()
	require.NoError(t, d.In.Push(sighting.Update{Kind: "raid"}))
	d.In.Close()
	require.NoError(t, d.Run(context.Background()))
	assert.Zero(t, dd.Len())
}
