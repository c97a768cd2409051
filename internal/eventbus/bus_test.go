package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: SightingAccepted, Data: SightingData{EventID: "e1", Jobs: 4}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, SightingAccepted, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, 4, e.Data.(SightingData).Jobs)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: AlarmSent})
	b.Publish(Event{Type: AlarmFailed})

	e := <-ch
	assert.Equal(t, AlarmSent, e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: AlarmSent})
}
