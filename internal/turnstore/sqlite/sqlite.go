package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/chatrelay/chatrelay-gateway/internal/turnstore"
)

// Store implements turnstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create turnstore directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	request_time_ms INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a new turn.
func (s *Store) Save(ctx context.Context, t turnstore.Turn) error {
	if t.ID == "" {
		return errors.New("turnstore: save requires id")
	}
	if t.SessionID == "" {
		return errors.New("turnstore: save requires session id")
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turns(id, user_id, session_id, model, prompt, response, request_time_ms, outcome, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		t.SessionID,
		t.Model,
		t.Prompt,
		t.Response,
		t.RequestTimeMs,
		t.Outcome,
		created,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// ListBySession returns the most recent turns for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]turnstore.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, session_id, model, prompt, response, request_time_ms, outcome, created_at
FROM turns WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []turnstore.Turn
	for rows.Next() {
		var t turnstore.Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Model, &t.Prompt, &t.Response, &t.RequestTimeMs, &t.Outcome, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
