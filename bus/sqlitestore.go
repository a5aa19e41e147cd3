package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	topic   TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	time    TEXT    NOT NULL,
	payload TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_topic_seq ON messages (topic, seq);
CREATE INDEX IF NOT EXISTS idx_messages_time ON messages (time);
`

// SQLiteStoreConfig configures the SQLite message store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes messages older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many messages per topic (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteMessageStore persists messages to a SQLite database in WAL mode,
// with an optional background pruner.
type SQLiteMessageStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteMessageStore opens (or creates) a SQLite message store.
func NewSQLiteMessageStore(cfg SQLiteStoreConfig) (*SQLiteMessageStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteMessageStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores a message.
func (s *SQLiteMessageStore) Append(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (topic, seq, time, payload) VALUES (?, ?, ?, ?)`,
		msg.Topic,
		msg.Seq,
		msg.Time.UTC().Format(time.RFC3339Nano),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the messages of a topic in Seq order.
func (s *SQLiteMessageStore) List(ctx context.Context, topic string, afterSeq uint64, limit int) ([]Message, error) {
	query := `SELECT topic, seq, time, payload FROM messages WHERE topic = ? AND seq > ? ORDER BY seq ASC`
	args := []any{topic, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LatestSeq returns the highest Seq of a topic (0 if no messages).
func (s *SQLiteMessageStore) LatestSeq(ctx context.Context, topic string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE topic = ?`, topic,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative above
}

// Topics returns the distinct topics in the store.
func (s *SQLiteMessageStore) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT topic FROM messages ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteMessageStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteMessageStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		topics, err := s.Topics(ctx)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune: %w", err)
		}
		for _, topic := range topics {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM messages WHERE topic = ? AND id NOT IN (
					SELECT id FROM messages WHERE topic = ? ORDER BY seq DESC LIMIT ?
				)`, topic, topic, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", topic, err)
			}
		}
	}
	return nil
}

func (s *SQLiteMessageStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var (
			m           Message
			timeStr     string
			payloadJSON string
		)
		if err := rows.Scan(&m.Topic, &m.Seq, &timeStr, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		m.Time = t

		m.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Compile-time interface check.
var _ MessageStore = (*SQLiteMessageStore)(nil)
