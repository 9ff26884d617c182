// Package queue implements the Queue Dispatcher: per-stage work queues, an
// in-memory transport satisfying a small Queue-like interface, bounded
// per-stage concurrency, and the auto-chaining hooks (onCompleted/onFailed)
// a Stage Worker Skeleton calls into.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	xlog "github.com/tidalforge/audiopipe/internal/log"
)

// Message is the unit of work carried on a stage's queue: a reference to a
// job, never the job's data — the filesystem is the source of truth, the
// queue only carries intent to process.
type Message struct {
	JobID string
}

// Bus abstracts the queue transport as a small interface (publish,
// subscribe, close) implementable over in-memory, persistent, or
// broker-backed transports. This module ships only the in-memory
// implementation below; the interface is what lets a future adapter swap
// it out without touching the Dispatcher.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

// Subscriber receives messages published to the topic it was created for.
type Subscriber interface {
	C() <-chan Message
	Close() error
}

// MemoryBus is an in-process pub/sub: topic -> fan-out channels,
// at-least-once in-process delivery while the publish context remains
// active, with a bounded per-subscriber channel so a stalled worker
// applies backpressure instead of the Dispatcher buffering unboundedly.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

const subscriberBuffer = 256

var dropCount atomic.Uint64

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

// Publish fans msg out to every current subscriber of topic. A subscriber
// whose channel is full only blocks the publish for as long as ctx allows;
// a canceled/expired ctx surfaces as an error rather than as a silent drop.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("queue: publish context is nil")
	}
	b.mu.RLock()
	chs := append([]chan Message(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			count := dropCount.Add(1)
			xlog.WithComponent("queue").Warn().
				Str("topic", topic).
				Uint64("dropped_total", count).
				Msg("publish dropped: subscriber channel full and context ended")
			return fmt.Errorf("queue: publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscribe registers a new fan-out channel for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{bus: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	bus   *MemoryBus
	topic string
	ch    chan Message
}

func (s *memSub) C() <-chan Message { return s.ch }

func (s *memSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	lst := s.bus.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s.ch {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.bus.subs, s.topic)
	} else {
		s.bus.subs[s.topic] = out
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
