package bot

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
	kit "sightbot/internal/transport"
	logx "sightbot/pkg/logx"
)

type memStore struct {
	mu     sync.Mutex
	subs   map[sighting.Recipient]*storage.Subscriber
	alerts map[sighting.Recipient][]int
	err    error
}

func newMemStore() *memStore {
	return &memStore{subs: map[sighting.Recipient]*storage.Subscriber{}, alerts: map[sighting.Recipient][]int{}}
}

func (m *memStore) TouchSubscriber(_ context.Context, id sighting.Recipient, now time.Time) (storage.Subscriber, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return storage.Subscriber{}, false, m.err
	}
	s, ok := m.subs[id]
	if !ok {
		s = &storage.Subscriber{ChatID: id}
		m.subs[id] = s
	}
	s.LastMessage = now
	return *s, !ok, nil
}

func (m *memStore) SetLocation(_ context.Context, id sighting.Recipient, pos geo.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subs[id]
	s.Position = &pos
	s.Enabled = true
	return nil
}

func (m *memStore) SetEnabled(_ context.Context, id sighting.Recipient, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id].Enabled = enabled
	return nil
}

func (m *memStore) AddAlert(_ context.Context, id sighting.Recipient, kind int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.alerts[id], kind) {
		return false, nil
	}
	m.alerts[id] = append(m.alerts[id], kind)
	slices.Sort(m.alerts[id])
	return true, nil
}

func (m *memStore) RemoveAlert(_ context.Context, id sighting.Recipient, kind int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.alerts[id], kind)
	if i < 0 {
		return false, nil
	}
	m.alerts[id] = slices.Delete(m.alerts[id], i, i+1)
	return true, nil
}

func (m *memStore) Alerts(_ context.Context, id sighting.Recipient) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts[id]), nil
}

type reply struct {
	chat        int64
	text        string
	askLocation bool
}

type recordingMessenger struct {
	mu      sync.Mutex
	replies []reply
}

func (r *recordingMessenger) SendMessage(_ context.Context, chatID int64, text string, opt *kit.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{chat: chatID, text: text, askLocation: opt != nil && opt.RequestLocation})
	return nil
}

func (r *recordingMessenger) take() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.replies
	r.replies = nil
	return out
}

func newTestBot() (*Bot, *memStore, *recordingMessenger) {
	st := newMemStore()
	msg := &recordingMessenger{}
	return New(st, msg, logx.Nop()), st, msg
}

func TestFirstContactGreetsAndAsksForLocation(t *testing.T) {
	b, st, msg := newTestBot()
	require.NoError(t, b.Handle(context.Background(), kit.Update{ChatID: 42, Text: "hello"}))

	replies := msg.take()
	require.Len(t, replies, 2)
	assert.Equal(t, msgGreeting, replies[0].text)
	assert.True(t, replies[1].askLocation)
	assert.Contains(t, st.subs, sighting.Recipient(42))

	// second plain message: nothing to say
	require.NoError(t, b.Handle(context.Background(), kit.Update{ChatID: 42, Text: "hello again"}))
	assert.Empty(t, msg.take())
}

func TestLocationEnablesAlerts(t *testing.T) {
	b, st, msg := newTestBot()
	pos := geo.Position{Lat: -22.95, Lon: -43.21}
	require.NoError(t, b.Handle(context.Background(), kit.Update{ChatID: 7, Location: &pos}))

	s := st.subs[7]
	assert.True(t, s.Enabled)
	assert.Equal(t, &pos, s.Position)

	replies := msg.take()
	require.Len(t, replies, 2)
	assert.Equal(t, msgLocationUpdated, replies[1].text)
}

func TestWatchUnwatchList(t *testing.T) {
	ctx := context.Background()
	b, st, msg := newTestBot()
	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/start"}))
	msg.take()

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/watch Dragonite"}))
	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/watch@sight_bot 131"}))
	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/watch dragonite"}))
	assert.Equal(t, []int{131, 149}, st.alerts[1])

	replies := msg.take()
	require.Len(t, replies, 3)
	assert.Equal(t, "Watching <b>Dragonite</b> (#149).", replies[0].text)
	assert.Equal(t, "Watching <b>Lapras</b> (#131).", replies[1].text)
	assert.Contains(t, replies[2].text, "already")

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/list"}))
	assert.Equal(t, "Watching:\n- <b>Lapras</b> (#131)\n- <b>Dragonite</b> (#149)", msg.take()[0].text)

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/unwatch 131"}))
	assert.Equal(t, []int{149}, st.alerts[1])
	assert.Equal(t, "Stopped watching <b>Lapras</b>.", msg.take()[0].text)

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/watch"}))
	assert.Contains(t, msg.take()[0].text, "Usage")

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 1, Text: "/watch missingno"}))
	assert.Contains(t, msg.take()[0].text, "don't know")
}

func TestStopAndResume(t *testing.T) {
	ctx := context.Background()
	b, st, msg := newTestBot()
	pos := geo.Position{Lat: 1, Lon: 1}
	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 3, Location: &pos}))

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 3, Text: "/stop"}))
	assert.False(t, st.subs[3].Enabled)

	require.NoError(t, b.Handle(ctx, kit.Update{ChatID: 3, Text: "/start"}))
	assert.True(t, st.subs[3].Enabled)
	replies := msg.take()
	assert.Contains(t, replies[len(replies)-1].text, "resumed")
}

func TestUnknownCommandShowsHelp(t *testing.T) {
	b, _, msg := newTestBot()
	require.NoError(t, b.Handle(context.Background(), kit.Update{ChatID: 5, Text: "/frobnicate"}))
	replies := msg.take()
	assert.Contains(t, replies[len(replies)-1].text, "<code>/watch &lt;name or number&gt;</code>")
}

func TestGroupsAreIgnored(t *testing.T) {
	b, st, msg := newTestBot()
	require.NoError(t, b.Handle(context.Background(), kit.Update{ChatID: -100, Text: "/list", IsGroup: true}))
	assert.Empty(t, st.subs)
	assert.Empty(t, msg.take())
}

func TestStoreErrorSurfaces(t *testing.T) {
	b, st, _ := newTestBot()
	st.err = errors.New("database is locked")
	assert.ErrorContains(t, b.Handle(context.Background(), kit.Update{ChatID: 5, Text: "/list"}), "database is locked")
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	b, st, _ := newTestBot()
	in := make(chan kit.Update, 2)
	in <- kit.Update{ChatID: 1, Text: "hi"}
	in <- kit.Update{ChatID: 2, Text: "hi"}
	close(in)
	require.NoError(t, b.Run(context.Background(), in))
	assert.Len(t, st.subs, 2)
}

func TestParseCommand(t *testing.T) {
	cmd, args, ok := parseCommand("  /Watch@bot Mr. Mime ")
	require.True(t, ok)
	assert.Equal(t, "watch", cmd)
	assert.Equal(t, []string{"Mr.", "Mime"}, args)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)
}

func TestCommandsMenu(t *testing.T) {
	b, _, _ := newTestBot()
	names := []string{}
	for _, c := range b.Commands() {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"start", "watch", "unwatch", "list", "stop", "help"}, names)
}
