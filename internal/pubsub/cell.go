package pubsub

import "sync"

// Cell holds a single observable value. Watchers receive the value current
// at subscription time followed by every update, conflated under the same
// drop-oldest rule as Hub.
type Cell[T any] struct {
	mu    sync.Mutex
	value T
	hub   *Hub[T]
}

// NewCell returns a Cell seeded with initial. Watcher channels buffer up to
// buffer values.
func NewCell[T any](initial T, buffer int) *Cell[T] {
	return &Cell[T]{value: initial, hub: NewHub[T](buffer)}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores v and notifies watchers. Publishing happens under the cell
// lock so watchers observe updates in Set order.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.hub.Publish(v)
}

// Update applies fn to the current value under the cell lock and publishes
// the result.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := fn(c.value)
	c.value = v
	c.hub.Publish(v)
	return v
}

// Watch subscribes to updates. The current value is delivered first.
func (c *Cell[T]) Watch() *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.hub.Subscribe()
	c.hub.mu.Lock()
	if _, ok := c.hub.subs[sub]; ok {
		sub.ch <- c.value
	}
	c.hub.mu.Unlock()
	return sub
}

// Close closes all watcher channels.
func (c *Cell[T]) Close() {
	c.hub.Close()
}
