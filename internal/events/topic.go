// Package events provides typed publish/subscribe topics shared by the
// governor components.
package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 8

// Topic caches the latest published value and fans updates out to
// subscribers. Slow subscribers lose their oldest pending value rather than
// blocking the publisher.
type Topic[T any] struct {
	buffer int

	mu          sync.RWMutex
	latest      T
	hasLatest   bool
	subscribers map[*subscriber[T]]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a point-in-time view of topic counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// NewTopic constructs a Topic whose subscriber channels hold up to buffer
// pending values.
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Topic[T]{
		buffer:      buffer,
		subscribers: make(map[*subscriber[T]]struct{}),
	}
}

// Publish stores value as the latest and delivers it to every subscriber.
func (t *Topic[T]) Publish(value T) {
	t.mu.Lock()
	t.latest = value
	t.hasLatest = true
	subs := make([]*subscriber[T], 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	t.published.Add(1)
	for _, sub := range subs {
		if sub.send(value) {
			t.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published value.
func (t *Topic[T]) Latest() (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasLatest
}

// Subscribe registers a listener. The latest value, if any, is delivered
// immediately. The returned function unsubscribes and closes the channel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	sub := newSubscriber[T](t.buffer)

	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	if t.hasLatest {
		sub.send(t.latest)
	}
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, sub)
			t.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsubscribe
}

// Stats reports publish and drop counters.
func (t *Topic[T]) Stats() Stats {
	t.mu.RLock()
	n := len(t.subscribers)
	t.mu.RUnlock()
	return Stats{
		Published:   t.published.Load(),
		Dropped:     t.dropped.Load(),
		Subscribers: n,
	}
}

type subscriber[T any] struct {
	ch     chan T
	mu     sync.Mutex
	closed bool
}

func newSubscriber[T any](buffer int) *subscriber[T] {
	return &subscriber[T]{ch: make(chan T, buffer)}
}

// send delivers value and reports whether an older value had to be dropped.
func (s *subscriber[T]) send(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- value:
		return false
	default:
	}

	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- value:
	default:
		dropped = true
	}
	return dropped
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
