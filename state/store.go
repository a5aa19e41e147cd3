// Package state persists per-node state between events. State is scoped by
// spell and event state key, so a counter node keeps one count per channel.
package state

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// ErrNotFound is returned by Load when nothing is stored under a key.
var ErrNotFound = errors.New("state not found")

// Snapshot maps node IDs to their persisted state.
type Snapshot map[string]map[string]any

// Store persists snapshots.
type Store interface {
	Load(ctx context.Context, key string) (Snapshot, error)
	Save(ctx context.Context, key string, snap Snapshot) error
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key of a spell's state key.
func Key(spellID, stateKey string) string {
	return spellID + ":" + stateKey
}

// MemStore is an in-memory Store. Snapshots are copied on the way in and out.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]Snapshot)}
}

func (s *MemStore) Load(_ context.Context, key string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *MemStore) Save(_ context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cloneSnapshot(snap)
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func cloneSnapshot(snap Snapshot) Snapshot {
	out := make(Snapshot, len(snap))
	for id, st := range snap {
		out[id] = maps.Clone(st)
	}
	return out
}

var _ Store = (*MemStore)(nil)
