package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

type sub struct {
	ch     chan Event
	filter map[string]struct{}
}

func (s sub) wants(typ string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[typ]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]sub
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Publish delivers e to every interested subscriber whose buffer has room.
// Sends never block, so the read lock is held across them; unsubscribe
// closes channels under the write lock.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

func (b *memBus) subscribe(buffer int, types []string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[id] = sub{ch: ch, filter: filter}
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

// Stats reports events published and deliveries dropped on full buffers.
// Buses other than New's report zeros.
func Stats(bus Bus) (published, dropped uint64) {
	if mb, ok := bus.(*memBus); ok {
		return mb.published.Load(), mb.dropped.Load()
	}
	return 0, 0
}

// SubscribeTypes subscribes to a subset of event types. Buses that do not
// support filtering get a full subscription and the caller filters.
func SubscribeTypes(bus Bus, buffer int, types ...string) (<-chan Event, func()) {
	if mb, ok := bus.(*memBus); ok {
		return mb.subscribe(buffer, types)
	}
	return bus.Subscribe(buffer)
}
