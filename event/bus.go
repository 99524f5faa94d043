package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 256

// Bus is an in-process Observer that fans events out to subscriber
// channels. Publishing never blocks: when a subscriber's buffer is full the
// event is dropped for that subscriber and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

type subscription struct {
	ch     chan Event
	filter func(Type) bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Notify publishes e to every matching subscriber.
func (b *Bus) Notify(e Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. Only events whose type is listed in
// types are delivered; an empty list means all events. The returned cancel
// function unregisters the subscriber and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		want := make(map[Type]bool, len(types))
		for _, t := range types {
			want[t] = true
		}
		s.filter = func(t Type) bool { return want[t] }
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Close unregisters all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the number of published and dropped deliveries.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

var _ Observer = (*Bus)(nil)
