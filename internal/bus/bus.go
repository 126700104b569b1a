package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Filter selects which events a subscriber receives. Zero fields match
// everything.
type Filter struct {
	// Prefix matches against Event.Kind, so "live." covers every live kind.
	Prefix         string
	ConversationID string
}

func (f Filter) match(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, f.Prefix) {
		return false
	}
	return f.ConversationID == "" || f.ConversationID == evt.ConversationID
}

// Bus fans domain events out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber with a full buffer misses the event.
// A nil *Bus drops everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Uint64
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.match(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers for every event whose kind starts with prefix.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFilter(Filter{Prefix: prefix}, bufSize)
}

// SubscribeFilter registers a subscriber and returns its channel together
// with an idempotent unsubscribe func. The channel is never closed.
func (b *Bus) SubscribeFilter(f Filter, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	if b == nil {
		return ch, func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{filter: f, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are registered.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
