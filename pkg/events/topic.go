// Package events provides a small typed publish/subscribe primitive.
//
// Each [Topic] carries one payload type and owns its own handler set, so a
// slow or faulty subscriber on one topic never interferes with another.
// Handlers are invoked synchronously in subscription order; a panic inside
// one handler is recovered and logged so the remaining handlers still run.
package events

import (
	"log/slog"
	"sync"
)

// Topic is a named fan-out point for values of type T.
// The zero value is not usable; create topics with [NewTopic].
//
// All methods are safe for concurrent use.
type Topic[T any] struct {
	name string

	mu       sync.RWMutex
	handlers map[uint64]func(T)
	nextID   uint64
}

// NewTopic creates a Topic. The name appears in log records when a
// subscriber panics.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{
		name:     name,
		handlers: make(map[uint64]func(T)),
	}
}

// Subscribe registers fn to receive every subsequent published value and
// returns a cancel function that removes the registration. Cancelling twice
// is a no-op.
func (t *Topic[T]) Subscribe(fn func(T)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber. Subscribers are called on
// the publisher's goroutine, in ascending subscription order.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	// Small sets; insertion sort keeps delivery order deterministic.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		t.invoke(h, v)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// invoke runs one handler, isolating panics so a broken subscriber cannot
// take down the publisher or starve later subscribers.
func (t *Topic[T]) invoke(h func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: subscriber panicked", "topic", t.name, "panic", r)
		}
	}()
	h(v)
}
