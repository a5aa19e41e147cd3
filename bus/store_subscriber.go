package bus

import (
	"context"
	"log/slog"
)

// StoreSubscriber writes messages to a MessageStore.
type StoreSubscriber struct {
	store  MessageStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store MessageStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single message. Failures are logged, never returned.
func (s *StoreSubscriber) Handle(ctx context.Context, msg Message) {
	if err := s.store.Append(ctx, msg); err != nil {
		s.logger.Error("failed to persist message",
			"topic", msg.Topic,
			"seq", msg.Seq,
			"err", err,
		)
	}
}

// Consume persists every message of sub until the subscription closes or ctx
// is cancelled.
func (s *StoreSubscriber) Consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.Handle(ctx, msg)
		}
	}
}
