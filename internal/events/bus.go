// Package events is the in-process topic bus the engine and scheduler
// publish order, position and tick notifications on.
package events

import (
	"sync"
	"sync/atomic"
)

// Message is one delivery on a multi-topic subscription.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// subscriber offers a delivery without blocking and reports whether it
// was taken.
type subscriber struct {
	offer func(Event, any) bool
	close func()
}

// Bus fans events out over buffered channels. Slow subscribers lose
// events rather than stall the publisher, and every loss is counted.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Event][]*subscriber
	dropped  atomic.Int64
	perTopic sync.Map // Event -> *atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscriber)}
}

// Subscribe delivers the payloads published on e. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)
	s := &subscriber{
		offer: func(_ Event, payload any) bool {
			select {
			case ch <- payload:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}
	return ch, b.add(s, []Event{e})
}

// Watch delivers every topic in topics on one channel, in publish order.
func (b *Bus) Watch(buffer int, topics ...Event) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	s := &subscriber{
		offer: func(e Event, payload any) bool {
			select {
			case ch <- Message{Event: e, Payload: payload}:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}
	return ch, b.add(s, topics)
}

func (b *Bus) add(s *subscriber, topics []Event) func() {
	b.mu.Lock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], s)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == s {
						b.subs[e] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			s.close()
		})
	}
}

// Publish offers payload to every subscriber of e without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		if !s.offer(e, payload) {
			b.dropped.Add(1)
			b.counter(e).Add(1)
		}
	}
}

func (b *Bus) counter(e Event) *atomic.Int64 {
	if c, ok := b.perTopic.Load(e); ok {
		return c.(*atomic.Int64)
	}
	c, _ := b.perTopic.LoadOrStore(e, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// DroppedOn counts the skipped deliveries of one topic.
func (b *Bus) DroppedOn(e Event) int64 {
	if c, ok := b.perTopic.Load(e); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Subscribers returns the number of listeners on e.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}
