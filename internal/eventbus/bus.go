// Package eventbus provides typed in-process broadcast channels.
//
// Bus delivers every message to every subscriber and applies back-pressure
// to publishers. It carries events that must not be lost, such as a newly
// constructed engine announcing itself. Replay is a lossy multicast stream
// that hands the latest value to late subscribers, for UI-facing state.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("eventbus: closed")

const subscriberBuffer = 16

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// Bus is a typed multi-producer broadcast channel
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber[T]
	closed bool
}

// New creates an empty bus
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]*subscriber[T])}
}

// Subscribe registers a subscriber. The returned cancel func removes it;
// the channel itself is never closed, so the subscriber must stop reading
// once it cancels.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}
	if b.closed {
		close(s.done)
		return s.ch, func() {}
	}

	id := uuid.New().String()
	b.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}
}

// Publish delivers msg to every current subscriber, blocking while a
// subscriber's buffer is full until it cancels or ctx is done.
func (b *Bus[T]) Publish(ctx context.Context, msg T) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects further publishes
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.done)
	}
}
