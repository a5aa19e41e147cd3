package bus

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemMessageStore is a thread-safe in-memory message store.
type MemMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]Message // topic -> messages
}

// NewMemMessageStore creates a new in-memory message store.
func NewMemMessageStore() *MemMessageStore {
	return &MemMessageStore{
		messages: make(map[string][]Message),
	}
}

func (s *MemMessageStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Payload = maps.Clone(msg.Payload)
	s.messages[msg.Topic] = append(s.messages[msg.Topic], msg)
	return nil
}

func (s *MemMessageStore) List(_ context.Context, topic string, afterSeq uint64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages[topic] {
		if afterSeq > 0 && m.Seq <= afterSeq {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemMessageStore) LatestSeq(_ context.Context, topic string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, m := range s.messages[topic] {
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemMessageStore) Topics(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.messages)), nil
}

// Compile-time interface check.
var _ MessageStore = (*MemMessageStore)(nil)
