package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// MemBusConfig configures an in-memory message bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory message bus implementation.
type MemBus struct {
	seq atomic.Uint64

	mu         sync.RWMutex
	subs       map[string][]*memSub // topic -> subscribers
	globalSubs []*memSub            // subscribers for all topics
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory message bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish stamps the message with a sequence number and sends it to the
// topic's subscribers and to global subscribers. Slow subscribers drop
// messages instead of blocking the publisher.
func (b *MemBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	msg.Seq = b.seq.Add(1)
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	for _, sub := range b.subs[msg.Topic] {
		sub.send(msg)
	}
	for _, sub := range b.globalSubs {
		sub.send(msg)
	}
	return nil
}

// Subscribe registers a subscriber for one topic.
func (b *MemBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := newMemSub(b.bufSize)
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// SubscribeAll registers a subscriber that receives every topic.
func (b *MemBus) SubscribeAll(context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := newMemSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub, nil
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int) *memSub {
	return &memSub{ch: make(chan Message, bufSize)}
}

func (s *memSub) Messages() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers a message, dropping it when the buffer is full or the
// subscription is closed.
func (s *memSub) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// Compile-time interface checks.
var _ Bus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
