package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one scheduler signal: an attempt, a firing, a lease outcome or
// a job status change. Type is one of the Topic constants and Data the
// matching *Event payload from topics.go.
//
// Publishing never blocks the coordinator or the poll loop. A subscriber
// that falls behind loses events, which the bus counts.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers inside one taskwarden process. The
// metrics collector is the main consumer.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-process bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish stamps and sends one event. Components built without a bus pass
// nil; the typed publishers in publish.go go through here.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// defaultBuffer covers one poll's worth of firings for a small node.
const defaultBuffer = 64

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Dropped reports events lost to full subscriber buffers. It feeds
// /status and the bus drop gauge.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Unsubscribe may close ch between the snapshot and the send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
