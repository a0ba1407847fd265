package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Bus is a bounded multi-producer fan-out. Publish never blocks: a subscriber
// whose buffer is full has the event dropped, so a slow consumer cannot
// back-pressure onto coordinator handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
}

// dropped is atomic: Publish runs concurrently under the read lock.
type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer depth
// (DefaultBuffer when <= 0).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes the channel; it is safe to call once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers e to every subscriber without blocking. Delivery is
// best-effort and unordered across subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			if n := sub.dropped.Add(1); n%100 == 1 {
				slog.Warn("Broadcast subscriber falling behind, dropping events",
					"event_type", e.Type, "dropped", n)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
