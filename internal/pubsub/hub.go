// Package pubsub provides the in-process fan-out primitives the recorder and
// model manager publish through. A Hub delivers values to any number of
// subscribers without ever blocking the producer: each subscription owns a
// bounded buffer and overflow evicts the oldest buffered value. Consumers
// that need gap detection read the sequence numbers carried by the values
// themselves.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Hub fans values out to subscribers. Publish never blocks; a full
// subscription drops its oldest value to make room. The zero value is not
// usable, construct with NewHub.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
}

// Subscription is one subscriber's view of a Hub.
type Subscription[T any] struct {
	hub     *Hub[T]
	ch      chan T
	dropped atomic.Uint64
	once    sync.Once
}

// NewHub returns a Hub whose subscriptions buffer up to buffer values.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscription. Subscriptions created after Close
// are returned already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{hub: h, ch: make(chan T, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every subscription. It never blocks: when a
// subscription's buffer is full the oldest value is evicted first. Publish
// after Close is a no-op.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- v:
		default:
			// All sends serialize on h.mu, so evicting one slot
			// guarantees the retry cannot block.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			sub.ch <- v
		}
	}
}

// Len reports the number of active subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription channel. Further publishes are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

// C is the receive channel. It is closed when the subscription or its hub
// closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped reports how many values this subscription lost to overflow.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its hub and closes the channel.
// Closing twice is safe.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s]; ok {
			delete(s.hub.subs, s)
			close(s.ch)
		}
	})
}
