// Package event provides a small typed observer hub used by the session layer
// to fan events out to any number of subscribers.
package event

import (
	"sync"
)

// Handler receives published values.
type Handler[T any] func(T)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Hub delivers each published value to every current subscriber, in
// subscription order. Handlers run on the publisher's goroutine and must not
// block for long.
type Hub[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Subscribe registers handler and returns a function that removes it. The
// returned function is idempotent.
func (h *Hub[T]) Subscribe(handler Handler[T]) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription[T]{id: id, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every subscriber with v. Subscribers added or removed while a
// publish is in progress take effect on the next publish.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.handler(v)
	}
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
