package state

import (
	"context"
	"errors"
	"testing"

	"github.com/petal-labs/grimoire/core"
)

type counterNode struct {
	count float64
}

func (c *counterNode) State() map[string]any {
	if c.count == 0 {
		return nil
	}
	return map[string]any{"count": c.count}
}

func (c *counterNode) SetState(st map[string]any) {
	c.count, _ = st["count"].(float64)
}

type failingStore struct{ *MemStore }

func (f *failingStore) Load(context.Context, string) (Snapshot, error) {
	return nil, errors.New("boom")
}

func TestService_RehydrateSyncCycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	svc := NewService(store, "spell-1")
	node := &counterNode{}
	svc.Init(map[string]core.Stateful{"counter": node})

	if err := svc.Rehydrate(ctx, "chan-a"); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	node.count = 2
	if err := svc.SyncAndClear(ctx); err != nil {
		t.Fatalf("SyncAndClear() error = %v", err)
	}
	if node.count != 0 {
		t.Errorf("node not cleared after sync: %v", node.count)
	}

	// A different state key starts from scratch.
	if err := svc.Rehydrate(ctx, "chan-b"); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if node.count != 0 {
		t.Errorf("chan-b count = %v, want 0", node.count)
	}
	if err := svc.SyncAndClear(ctx); err != nil {
		t.Fatalf("SyncAndClear() error = %v", err)
	}

	if err := svc.Rehydrate(ctx, "chan-a"); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if node.count != 2 {
		t.Errorf("chan-a count = %v, want 2", node.count)
	}

	snap, err := store.Load(ctx, Key("spell-1", "chan-a"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap["counter"]["count"] != float64(2) {
		t.Errorf("stored snapshot = %v", snap)
	}
}

func TestService_SyncWithoutRehydrateIsNoop(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, "s")
	node := &counterNode{count: 5}
	svc.Init(map[string]core.Stateful{"n": node})
	if node.count != 0 {
		t.Fatalf("Init should reset nodes, count = %v", node.count)
	}
	if err := svc.SyncAndClear(context.Background()); err != nil {
		t.Fatalf("SyncAndClear() error = %v", err)
	}
	if len(store.data) != 0 {
		t.Errorf("store written without an active key: %v", store.data)
	}
}

func TestService_RehydrateError(t *testing.T) {
	svc := NewService(&failingStore{MemStore: NewMemStore()}, "s")
	svc.Init(map[string]core.Stateful{"n": &counterNode{}})
	if err := svc.Rehydrate(context.Background(), "k"); err == nil {
		t.Fatal("expected rehydrate error")
	}
}
