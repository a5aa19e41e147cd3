package agent

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func runSpellWriterContract(t *testing.T, store SpellWriter) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "greeter"); !errors.Is(err, ErrSpellNotFound) {
		t.Fatalf("Get(absent) error = %v, want ErrSpellNotFound", err)
	}

	first := greetSpell("greeter", "Hello")
	first.Name = "Greeter"
	first.ProjectID = "p1"
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, greetSpell("echo", "Echo")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "greeter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Greeter" || got.ProjectID != "p1" || len(got.Graph.Nodes) != 3 {
		t.Errorf("Get() = %+v", got)
	}

	replaced := greetSpell("greeter", "Hi")
	if err := store.Put(ctx, replaced); err != nil {
		t.Fatalf("Put(replace) error = %v", err)
	}
	got, _ = store.Get(ctx, "greeter")
	if got.Graph.Nodes[1].Configuration["textEditorData"] != "Hi {{.name}}" {
		t.Errorf("replace not visible: %v", got.Graph.Nodes[1].Configuration)
	}

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("List() = %v, want 2 ids", ids)
	}

	if err := store.Put(ctx, greetSpell("", "x")); err == nil {
		t.Error("Put() accepted a spell without id")
	}
}

func TestMemSpellStore_Contract(t *testing.T) {
	runSpellWriterContract(t, NewMemSpellStore())
}

func TestSQLiteSpellStore_Contract(t *testing.T) {
	store, err := NewSQLiteSpellStore(filepath.Join(t.TempDir(), "spells.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runSpellWriterContract(t, store)
}

func TestSQLiteSpellStore_PersistsAcrossReopenAndDeletes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spells.db")

	store, err := NewSQLiteSpellStore(path)
	if err != nil {
		t.Fatal(err)
	}
	want := greetSpell("greeter", "Hello")
	if err := store.Put(ctx, want); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	store, err = NewSQLiteSpellStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	got, err := store.Get(ctx, "greeter")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if !reflect.DeepEqual(got.Graph.Nodes[0].Flows, want.Graph.Nodes[0].Flows) {
		t.Errorf("flows = %v, want %v", got.Graph.Nodes[0].Flows, want.Graph.Nodes[0].Flows)
	}

	if err := store.Delete(ctx, "greeter"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "greeter"); !errors.Is(err, ErrSpellNotFound) {
		t.Errorf("second Delete() error = %v, want ErrSpellNotFound", err)
	}
}

func TestNewSQLiteSpellStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteSpellStore(" "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestLayeredSpellStore(t *testing.T) {
	ctx := context.Background()
	fallback := NewMemSpellStore(greetSpell("greeter", "From disk"), greetSpell("echo", "Echo"))
	store := LayeredSpellStore{Writer: NewMemSpellStore(), Fallback: fallback}
	writer := store.Writer

	if err := store.Put(ctx, greetSpell("greeter", "Posted")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "greeter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got, greetSpell("greeter", "Posted")) {
		t.Errorf("writer copy not preferred: %+v", got)
	}
	if _, err := store.Get(ctx, "echo"); err != nil {
		t.Errorf("fallback Get() error = %v", err)
	}
	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrSpellNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrSpellNotFound", err)
	}

	ids, err := store.List(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{"greeter"}) {
		t.Errorf("List() = %v, %v", ids, err)
	}
	if _, err := writer.Get(ctx, "echo"); !errors.Is(err, ErrSpellNotFound) {
		t.Errorf("fallback spell leaked into writer: %v", err)
	}
}
