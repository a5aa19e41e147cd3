package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBus(t *testing.T) (*RedisBus, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBus(client, WithChannelPrefix("test:"))
	t.Cleanup(func() { _ = b.Close() })
	return b, client
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, _ := newRedisBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, RunErrorTopic("a1"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Message{
		Topic:   RunErrorTopic("a1"),
		Payload: map[string]any{"error": "boom", "agentId": "a1"},
	}))

	m := receive(t, sub)
	assert.Equal(t, "agent:a1:run:error", m.Topic)
	assert.Equal(t, "boom", m.Payload["error"])
	assert.Equal(t, uint64(1), m.Seq)
}

func TestRedisBus_SubscribeAll(t *testing.T) {
	b, _ := newRedisBus(t)
	ctx := context.Background()

	all, err := b.SubscribeAll(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Message{Topic: LogTopic("a1")}))
	require.NoError(t, b.Publish(ctx, Message{Topic: WarnTopic("a1")}))

	assert.Equal(t, LogTopic("a1"), receive(t, all).Topic)
	assert.Equal(t, WarnTopic("a1"), receive(t, all).Topic)
}

func TestRedisBus_WritesJSONToPrefixedChannel(t *testing.T) {
	b, client := newRedisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw := client.Subscribe(ctx, "test:"+RunResultTopic("a1"))
	defer raw.Close()
	_, err := raw.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Message{Topic: RunResultTopic("a1"), Payload: map[string]any{"outputs": "ok"}}))

	m, err := raw.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test:agent:a1:run:result", m.Channel)
	assert.Contains(t, m.Payload, `"outputs":"ok"`)
}

func TestRedisBus_CloseEndsSubscriptions(t *testing.T) {
	b, _ := newRedisBus(t)
	sub, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), Message{Topic: "t"}), ErrClosed)
}
