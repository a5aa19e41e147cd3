package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "spell:missing")
	assert.True(t, errors.Is(err, ErrNotFound), "Load of a missing key should be ErrNotFound, got %v", err)

	snap := Snapshot{
		"counter": {"count": float64(3)},
		"memo":    {"last": "hello"},
	}
	require.NoError(t, s.Save(ctx, "spell:chan", snap))

	got, err := s.Load(ctx, "spell:chan")
	require.NoError(t, err)
	assert.Equal(t, float64(3), got["counter"]["count"])
	assert.Equal(t, "hello", got["memo"]["last"])

	require.NoError(t, s.Save(ctx, "spell:chan", Snapshot{"counter": {"count": float64(4)}}))
	got, err = s.Load(ctx, "spell:chan")
	require.NoError(t, err)
	assert.Equal(t, float64(4), got["counter"]["count"])
	assert.NotContains(t, got, "memo")

	require.NoError(t, s.Delete(ctx, "spell:chan"))
	_, err = s.Load(ctx, "spell:chan")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Delete(ctx, "spell:never-saved"))
}

func TestMemStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemStore())
}

func TestMemStore_CopiesSnapshots(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	snap := Snapshot{"n": {"v": 1}}
	require.NoError(t, s.Save(ctx, "k", snap))
	snap["n"]["v"] = 2

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got["n"]["v"])
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "spell:a", Snapshot{"n": {"count": float64(7)}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "spell:a")
	require.NoError(t, err)
	assert.Equal(t, float64(7), got["n"]["count"])
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newMiniredis(t)
	runStoreContract(t, NewRedisStore(client))
}

func TestRedisStore_PrefixAndTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, WithPrefix("test:"), WithTTL(time.Minute))

	require.NoError(t, s.Save(context.Background(), "spell:k", Snapshot{"n": {"v": "x"}}))
	assert.True(t, mr.Exists("test:spell:k"))
	assert.Equal(t, time.Minute, mr.TTL("test:spell:k"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Load(context.Background(), "spell:k")
	assert.True(t, errors.Is(err, ErrNotFound))
}
