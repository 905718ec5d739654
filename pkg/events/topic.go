// Package events provides explicit publish/subscribe channels. A Topic is
// created by the component that publishes on it and handed by reference to
// the components that listen.
package events

import "sync"

// Topic delivers values of type T to its subscribers, one publication at a time.
type Topic[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(T)
	order  []int
	closed bool
}

// NewTopic returns an open topic without subscribers.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a function that removes it.
// Subscribing to a closed topic is a no-op.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	id := t.next
	t.next++
	t.subs[id] = fn
	t.order = append(t.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			for i, v := range t.order {
				if v == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish invokes every subscriber with v in subscription order. Concurrent
// publications are serialised, so subscribers never run in parallel with
// each other. Subscribers must not call back into the topic.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, id := range t.order {
		t.subs[id](v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close drops every subscriber; later publications are discarded.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = nil
	t.order = nil
}
