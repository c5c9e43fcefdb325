// Package events provides the subscribe-to-state-change fan-out used by the
// mount manager, sync engine and scheduler.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Bus broadcasts events of type T to every subscriber. Publish never blocks:
// a subscriber whose buffer is full misses the event. Events published from
// one goroutine are delivered to each subscriber in publish order.
type Bus[T any] struct {
	mu      sync.RWMutex
	clients map[chan T]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a new Bus. A buffer <= 0 means DefaultBuffer.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		clients: make(map[chan T]struct{}),
		buffer:  buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus[T]) Subscribe() chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown channels
// are ignored.
func (b *Bus[T]) Unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

// Publish sends an event to all subscribers.
func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes and closes every subscriber channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}
