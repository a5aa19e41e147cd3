package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQueueContract(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, id := range []string{"j1", "j2", "j3"} {
		job := NewJob("agent-1")
		job.ID = id
		job.Inputs = map[string]any{"content": id}
		require.NoError(t, q.Push(ctx, job))
	}

	for _, want := range []string{"j1", "j2", "j3"} {
		job, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, "agent-1", job.AgentID)
		assert.Equal(t, want, job.Inputs["content"])
	}

	// Pop blocks until a push arrives.
	got := make(chan Job, 1)
	go func() {
		job, err := q.Pop(ctx)
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Push(ctx, Job{AgentID: "agent-2"}))
	select {
	case job := <-got:
		assert.Equal(t, "agent-2", job.AgentID)
		assert.NotEmpty(t, job.ID, "Push assigns an ID")
	case <-ctx.Done():
		t.Fatal("blocked Pop never returned")
	}

	short, stop := context.WithTimeout(ctx, 100*time.Millisecond)
	defer stop()
	_, err := q.Pop(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Push(ctx, Job{}), ErrClosed)
}

func TestMemQueue_Contract(t *testing.T) {
	runQueueContract(t, NewMemQueue())
}

func TestMemQueue_CloseWakesPop(t *testing.T) {
	q := NewMemQueue()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Pop not woken by Close")
	}
}

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, WithKey("test:jobs"), WithBlockTimeout(50*time.Millisecond)), mr
}

func TestRedisQueue_Contract(t *testing.T) {
	q, _ := newRedisQueue(t)
	runQueueContract(t, q)
}

func TestRedisQueue_StoresJSONAndSkipsGarbage(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:jobs", "not json")
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, Job{ID: "j1", AgentID: "a", SpellID: "s", RunSubspell: true}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "s", job.SpellID)
	assert.True(t, job.RunSubspell)
}
