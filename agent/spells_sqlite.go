package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/grimoire/graph"

	_ "modernc.org/sqlite"
)

const spellSQLiteSchema = `
CREATE TABLE IF NOT EXISTS spells (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	name       TEXT,
	project_id TEXT,
	graph      BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteSpellStore persists spells in SQLite, one row per spell ID.
type SQLiteSpellStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ SpellWriter = (*SQLiteSpellStore)(nil)

// NewSQLiteSpellStore opens (or creates) the spells table at dsn.
func NewSQLiteSpellStore(dsn string) (*SQLiteSpellStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("spell sqlite store dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("spell sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spell sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(spellSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spell sqlite store create schema: %w", err)
	}
	return &SQLiteSpellStore{db: db, now: time.Now}, nil
}

func (s *SQLiteSpellStore) Get(ctx context.Context, id string) (graph.Spell, error) {
	var (
		sp        graph.Spell
		name      sql.NullString
		projectID sql.NullString
		raw       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, project_id, graph FROM spells WHERE id = ?`, id,
	).Scan(&sp.ID, &name, &projectID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Spell{}, fmt.Errorf("%w: %s", ErrSpellNotFound, id)
	}
	if err != nil {
		return graph.Spell{}, fmt.Errorf("spell sqlite store get %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &sp.Graph); err != nil {
		return graph.Spell{}, fmt.Errorf("spell sqlite store decode %s: %w", id, err)
	}
	sp.Name = name.String
	sp.ProjectID = projectID.String
	return sp, nil
}

// Put inserts or replaces a spell. The creation time of an existing row is
// kept.
func (s *SQLiteSpellStore) Put(ctx context.Context, sp graph.Spell) error {
	if sp.ID == "" {
		return errors.New("spell id is required")
	}
	raw, err := json.Marshal(sp.Graph)
	if err != nil {
		return fmt.Errorf("spell sqlite store encode %s: %w", sp.ID, err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO spells (id, name, project_id, graph, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	project_id = excluded.project_id,
	graph = excluded.graph,
	updated_at = excluded.updated_at`,
		sp.ID, sp.Name, sp.ProjectID, raw, now, now)
	if err != nil {
		return fmt.Errorf("spell sqlite store put %s: %w", sp.ID, err)
	}
	return nil
}

// List returns the stored spell IDs in insertion order.
func (s *SQLiteSpellStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM spells ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("spell sqlite store list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("spell sqlite store scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a spell. Deleting an unknown ID returns ErrSpellNotFound.
func (s *SQLiteSpellStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spells WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("spell sqlite store delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSpellNotFound, id)
	}
	return nil
}

func (s *SQLiteSpellStore) Close() error {
	return s.db.Close()
}
