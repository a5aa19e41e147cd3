package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithChannelPrefix sets the prefix of the Redis channels topics map to.
func WithChannelPrefix(prefix string) RedisOption {
	return func(b *RedisBus) { b.prefix = prefix }
}

// WithLogger sets the logger used for undecodable messages.
func WithLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) { b.logger = l }
}

// RedisBus publishes messages as JSON over Redis pub/sub. Each topic is one
// channel ("<prefix><topic>"). Delivery is at most once: subscribers that are
// not connected when a message is published never see it.
type RedisBus struct {
	client  backend.UniversalClient
	prefix  string
	logger  *slog.Logger
	bufSize int
	seq     atomic.Uint64

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// NewRedisBus creates a bus on an existing client. The client is not closed
// by Close.
func NewRedisBus(client backend.UniversalClient, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		prefix:  "grimoire:",
		logger:  slog.Default(),
		bufSize: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Publish sends msg on its topic channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg.Seq = b.seq.Add(1)
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisbus: marshal %s: %w", msg.Topic, err)
	}
	if err := b.client.Publish(ctx, b.channel(msg.Topic), data).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe subscribes to one topic. It returns once Redis confirmed the
// subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return b.subscribe(ctx, func(ctx context.Context) *backend.PubSub {
		return b.client.Subscribe(ctx, b.channel(topic))
	})
}

// SubscribeAll subscribes to every topic under the bus prefix.
func (b *RedisBus) SubscribeAll(ctx context.Context) (Subscription, error) {
	return b.subscribe(ctx, func(ctx context.Context) *backend.PubSub {
		return b.client.PSubscribe(ctx, b.prefix+"*")
	})
}

func (b *RedisBus) subscribe(ctx context.Context, open func(context.Context) *backend.PubSub) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := open(ctx)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe: %w", err)
	}

	sub := &redisSub{ps: ps, ch: make(chan Message, b.bufSize), done: make(chan struct{})}
	go sub.pump(b.prefix, b.logger)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close closes every subscription opened through the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type redisSub struct {
	ps   *backend.PubSub
	ch   chan Message
	once sync.Once
	done chan struct{}
}

func (s *redisSub) pump(prefix string, logger *slog.Logger) {
	defer close(s.ch)
	for raw := range s.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			logger.Warn("dropping undecodable bus message", "channel", raw.Channel, "err", err)
			continue
		}
		if msg.Topic == "" {
			msg.Topic = strings.TrimPrefix(raw.Channel, prefix)
		}
		select {
		case s.ch <- msg:
		case <-s.done:
			return
		default:
		}
	}
}

func (s *redisSub) Messages() <-chan Message {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
