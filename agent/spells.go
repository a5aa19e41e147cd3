package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/loader"
)

// ErrSpellNotFound is returned when a store has no spell with the given ID.
var ErrSpellNotFound = errors.New("spell not found")

// SpellStore looks spells up by ID.
type SpellStore interface {
	Get(ctx context.Context, id string) (graph.Spell, error)
}

// SpellWriter is a SpellStore that also accepts spells.
type SpellWriter interface {
	SpellStore
	Put(ctx context.Context, sp graph.Spell) error
	List(ctx context.Context) ([]string, error)
}

// MemSpellStore is an in-memory SpellStore.
type MemSpellStore struct {
	mu     sync.RWMutex
	spells map[string]graph.Spell
}

// NewMemSpellStore returns a store holding spells.
func NewMemSpellStore(spells ...graph.Spell) *MemSpellStore {
	s := &MemSpellStore{spells: make(map[string]graph.Spell, len(spells))}
	for _, sp := range spells {
		s.spells[sp.ID] = sp
	}
	return s
}

func (s *MemSpellStore) Get(_ context.Context, id string) (graph.Spell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spells[id]
	if !ok {
		return graph.Spell{}, fmt.Errorf("%w: %s", ErrSpellNotFound, id)
	}
	return sp, nil
}

// Put adds or replaces a spell.
func (s *MemSpellStore) Put(_ context.Context, sp graph.Spell) error {
	if sp.ID == "" {
		return errors.New("spell id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spells[sp.ID] = sp
	return nil
}

// List returns the stored spell IDs, sorted.
func (s *MemSpellStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.spells))
	for id := range s.spells {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DirSpellStore loads spells from <dir>/<id>.yaml, .yml or .json on every
// Get.
type DirSpellStore struct {
	Dir string
}

var spellExtensions = []string{".yaml", ".yml", ".json"}

func (s DirSpellStore) Get(_ context.Context, id string) (graph.Spell, error) {
	if id == "" || filepath.Base(id) != id {
		return graph.Spell{}, fmt.Errorf("%w: invalid id %q", ErrSpellNotFound, id)
	}
	for _, ext := range spellExtensions {
		path := filepath.Join(s.Dir, id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		sp, err := loader.LoadSpell(path)
		if err != nil {
			return graph.Spell{}, err
		}
		if sp.ID == "" {
			sp.ID = id
		}
		return *sp, nil
	}
	return graph.Spell{}, fmt.Errorf("%w: %s in %s", ErrSpellNotFound, id, s.Dir)
}

// LayeredSpellStore serves spells from Writer and falls back to Fallback for
// IDs the writer does not hold. Writes always go to Writer.
type LayeredSpellStore struct {
	Writer   SpellWriter
	Fallback SpellStore
}

var _ SpellWriter = LayeredSpellStore{}

func (s LayeredSpellStore) Get(ctx context.Context, id string) (graph.Spell, error) {
	sp, err := s.Writer.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrSpellNotFound) || s.Fallback == nil {
		return sp, err
	}
	return s.Fallback.Get(ctx, id)
}

func (s LayeredSpellStore) Put(ctx context.Context, sp graph.Spell) error {
	return s.Writer.Put(ctx, sp)
}

// List returns the IDs held by Writer.
func (s LayeredSpellStore) List(ctx context.Context) ([]string, error) {
	return s.Writer.List(ctx)
}
