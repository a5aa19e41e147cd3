package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/grimoire/core"
)

// Service restores stateful nodes before an event runs and persists them
// once it is done.
type Service struct {
	store   Store
	spellID string

	mu    sync.Mutex
	nodes map[string]core.Stateful
	key   string
}

// NewService creates a service for one spell. A nil store keeps state in
// memory only.
func NewService(store Store, spellID string) *Service {
	if store == nil {
		store = NewMemStore()
	}
	return &Service{store: store, spellID: spellID}
}

// Init stores the node table and resets every node.
func (s *Service) Init(nodes map[string]core.Stateful) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
	s.key = ""
	for _, n := range nodes {
		n.SetState(nil)
	}
}

// Rehydrate loads the snapshot for stateKey into the nodes. Nodes without a
// stored entry are reset.
func (s *Service) Rehydrate(ctx context.Context, stateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = Key(s.spellID, stateKey)
	if len(s.nodes) == 0 {
		return nil
	}

	snap, err := s.store.Load(ctx, s.key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("rehydrating %s: %w", s.key, err)
	}
	for id, n := range s.nodes {
		n.SetState(snap[id])
	}
	return nil
}

// SyncAndClear saves the node states under the key of the last Rehydrate
// and resets the nodes.
func (s *Service) SyncAndClear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == "" || len(s.nodes) == 0 {
		s.key = ""
		return nil
	}

	snap := make(Snapshot, len(s.nodes))
	for id, n := range s.nodes {
		if st := n.State(); st != nil {
			snap[id] = st
		}
	}
	key := s.key
	s.key = ""
	for _, n := range s.nodes {
		n.SetState(nil)
	}
	if err := s.store.Save(ctx, key, snap); err != nil {
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	return nil
}
