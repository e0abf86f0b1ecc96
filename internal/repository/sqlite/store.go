// Package sqlite persists sessions, messages and users in a local SQLite
// database using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pulsar-assistant/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'text',
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_key, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);

CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	step INTEGER NOT NULL,
	user_data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	company_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed persistence gateway.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveTurn appends msgs and writes st in a single transaction: either the
// whole cycle is stored or none of it is.
func (s *Store) SaveTurn(ctx context.Context, msgs []domain.Message, st domain.SessionState) ([]domain.Message, error) {
	if strings.TrimSpace(st.Key) == "" {
		return nil, errors.New("sqlite: save turn: session key is required")
	}
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("sqlite: save turn: %w", err)
		}
		if m.SessionKey != st.Key {
			return nil, fmt.Errorf("sqlite: save turn: message for session %q in turn of %q", m.SessionKey, st.Key)
		}
		out = append(out, s.withDefaults(m))
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: save turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_key = ?`, st.Key,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("sqlite: save turn: next seq: %w", err)
	}
	for i := range out {
		out[i].Seq = last + int64(i) + 1
		if err := insertMessage(ctx, tx, out[i]); err != nil {
			return nil, fmt.Errorf("sqlite: save turn: %w", err)
		}
	}
	if err := upsertState(ctx, tx, st); err != nil {
		return nil, fmt.Errorf("sqlite: save turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: save turn: commit: %w", err)
	}
	return out, nil
}

func (s *Store) withDefaults(m domain.Message) domain.Message {
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	return m
}

func insertMessage(ctx context.Context, db execer, m domain.Message) error {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO messages (id, session_key, seq, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionKey, m.Seq, string(m.Role), string(m.Kind), m.Content, m.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert message %d: %w", m.Seq, err)
	}
	return nil
}

// LoadMessages returns every message of a session in insertion order.
func (s *Store) LoadMessages(ctx context.Context, key string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, seq, role, kind, content, created_at
		 FROM messages WHERE session_key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	return msgs, nil
}

// LoadRecent returns at most limit of the newest messages, oldest first.
func (s *Store) LoadRecent(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.LoadMessages(ctx, key)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, seq, role, kind, content, created_at FROM (
			SELECT * FROM messages WHERE session_key = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load recent: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load recent: %w", err)
	}
	return msgs, nil
}

// ListSessionIDs returns every session with messages, most recently active
// first.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key FROM messages GROUP BY session_key
		 ORDER BY MAX(created_at) DESC, session_key DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: list sessions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	return ids, nil
}

// DeleteSession removes a session's messages and state.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: delete session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete session: messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete session: state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: delete session: commit: %w", err)
	}
	return nil
}

// LoadState returns the controller state of a session; ok is false when none
// is stored.
func (s *Store) LoadState(ctx context.Context, key string) (domain.SessionState, bool, error) {
	var (
		st        = domain.SessionState{Key: key}
		userData  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT step, user_data, updated_at FROM sessions WHERE session_key = ?`, key,
	).Scan(&st.Step, &userData, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionState{}, false, nil
	}
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("sqlite: load state: %w", err)
	}
	if err := json.Unmarshal([]byte(userData), &st.UserData); err != nil {
		return domain.SessionState{}, false, fmt.Errorf("sqlite: load state: decode user data: %w", err)
	}
	st.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return st, true, nil
}

func upsertState(ctx context.Context, db execer, st domain.SessionState) error {
	data, err := json.Marshal(st.UserData)
	if err != nil {
		return fmt.Errorf("encode user data: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, step, user_data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			step = excluded.step,
			user_data = excluded.user_data,
			updated_at = excluded.updated_at`,
		st.Key, st.Step, string(data), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Seq, &role, &kind, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.Role = domain.SenderRole(role)
		m.Kind = domain.MessageKind(kind)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
