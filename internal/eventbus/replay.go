package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// Replay is a multicast stream that remembers its latest value. New
// subscribers receive that value first. Slow subscribers lose the oldest
// buffered value rather than blocking the publisher.
type Replay[T any] struct {
	mu     sync.Mutex
	subs   map[string]chan T
	latest T
	has    bool
}

// NewReplay creates an empty replay stream
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{subs: make(map[string]chan T)}
}

// Publish records v as the latest value and sends it to every subscriber
func (r *Replay[T]) Publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latest = v
	r.has = true
	for _, ch := range r.subs {
		offer(ch, v)
	}
}

// Latest returns the most recently published value
func (r *Replay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.has
}

// Subscribe returns a channel primed with the latest value, if any
func (r *Replay[T]) Subscribe() (<-chan T, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if r.has {
		ch <- r.latest
	}
	id := uuid.New().String()
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

// offer sends v without blocking, evicting the oldest buffered value when full.
// Callers hold the stream lock, so there is a single writer per channel.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
