// Package eventbus is an in-process, lossy signal bus. Dispatchers publish
// pipeline outcomes on it; observers (debug logging, tests) subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	SightingAccepted = "sighting.accepted"
	SightingDropped  = "sighting.dropped"
	AlarmSent        = "alarm.sent"
	AlarmFailed      = "alarm.failed"
	QueueBacklog     = "queue.backlog"
)

// Event is a small signal. Publish never blocks; a subscriber whose buffer is
// full misses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SightingData accompanies sighting.* events.
type SightingData struct {
	EventID string `json:"event_id"`
	Kind    int    `json:"kind"`
	Jobs    int    `json:"jobs,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AlarmData accompanies alarm.* events.
type AlarmData struct {
	JobID     string `json:"job_id"`
	Tier      string `json:"tier"`
	Recipient int64  `json:"recipient"`
	Error     string `json:"error,omitempty"`
}

// BacklogData accompanies queue.backlog events.
type BacklogData struct {
	Queue     string `json:"queue"`
	Depth     int    `json:"depth"`
	Threshold int    `json:"threshold"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything; it is the default when no bus is wired.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
