package bus

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T, cfg SQLiteStoreConfig) *SQLiteMessageStore {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = filepath.Join(t.TempDir(), "messages.db")
	}
	store, err := NewSQLiteMessageStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteMessageStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func msg(topic string, seq uint64) Message {
	return Message{
		Topic:   topic,
		Seq:     seq,
		Time:    time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		Payload: map[string]any{"index": float64(seq)},
	}
}

func TestMessageStores(t *testing.T) {
	stores := map[string]func(t *testing.T) MessageStore{
		"mem":    func(*testing.T) MessageStore { return NewMemMessageStore() },
		"sqlite": func(t *testing.T) MessageStore { return newSQLiteStore(t, SQLiteStoreConfig{}) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk(t)
			ctx := context.Background()

			for i := uint64(1); i <= 5; i++ {
				if err := store.Append(ctx, msg("log", i)); err != nil {
					t.Fatalf("Append(%d): %v", i, err)
				}
			}
			if err := store.Append(ctx, msg("warn", 9)); err != nil {
				t.Fatalf("Append(warn): %v", err)
			}

			all, err := store.List(ctx, "log", 0, 0)
			if err != nil || len(all) != 5 {
				t.Fatalf("List all = %d, %v", len(all), err)
			}
			if all[0].Payload["index"] != float64(1) || !all[0].Time.Equal(msg("log", 1).Time) {
				t.Errorf("first message = %+v", all[0])
			}

			tests := []struct {
				after uint64
				limit int
				want  string
			}{
				{after: 3, want: "[4 5]"},
				{limit: 2, want: "[1 2]"},
				{after: 1, limit: 2, want: "[2 3]"},
				{after: 5, want: "[]"},
			}
			for _, tt := range tests {
				got, err := store.List(ctx, "log", tt.after, tt.limit)
				if err != nil {
					t.Fatalf("List(%d, %d): %v", tt.after, tt.limit, err)
				}
				var seqs []uint64
				for _, m := range got {
					seqs = append(seqs, m.Seq)
				}
				if s := fmt.Sprint(seqs); s != tt.want {
					t.Errorf("List(after=%d, limit=%d) = %s, want %s", tt.after, tt.limit, s, tt.want)
				}
			}

			if seq, _ := store.LatestSeq(ctx, "log"); seq != 5 {
				t.Errorf("LatestSeq(log) = %d, want 5", seq)
			}
			if seq, _ := store.LatestSeq(ctx, "missing"); seq != 0 {
				t.Errorf("LatestSeq(missing) = %d, want 0", seq)
			}
			topics, err := store.Topics(ctx)
			if err != nil || fmt.Sprint(topics) != "[log warn]" {
				t.Errorf("Topics() = %v, %v", topics, err)
			}
		})
	}
}

func TestSQLiteMessageStore_PruneByCount(t *testing.T) {
	store := newSQLiteStore(t, SQLiteStoreConfig{RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		_ = store.Append(ctx, msg("log", i))
	}
	_ = store.Append(ctx, msg("warn", 1))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	got, _ := store.List(ctx, "log", 0, 0)
	if len(got) != 2 || got[0].Seq != 3 {
		t.Errorf("log after prune = %+v", got)
	}
	if got, _ := store.List(ctx, "warn", 0, 0); len(got) != 1 {
		t.Errorf("warn after prune = %d messages, want 1", len(got))
	}
}

func TestSQLiteMessageStore_PruneByAge(t *testing.T) {
	store := newSQLiteStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()
	old := msg("log", 1)
	old.Time = time.Now().Add(-2 * time.Hour)
	fresh := msg("log", 2)
	fresh.Time = time.Now()
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, fresh)

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	got, _ := store.List(ctx, "log", 0, 0)
	if len(got) != 1 || got[0].Seq != 2 {
		t.Errorf("after prune = %+v", got)
	}
}

func TestStoreSubscriber_ConsumesUntilClosed(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	store := NewMemMessageStore()
	sub := mustSubscribe(t, b, "")

	done := make(chan struct{})
	go func() {
		NewStoreSubscriber(store, slog.Default()).Consume(context.Background(), sub)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		_ = b.Publish(context.Background(), Message{Topic: SpellEventTopic("a1")})
	}
	_ = b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after the bus closed")
	}

	got, _ := store.List(context.Background(), SpellEventTopic("a1"), 0, 0)
	if len(got) != 3 {
		t.Errorf("persisted %d messages, want 3", len(got))
	}
}
