package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and messages in SQLite. It is the sole writer
// of durable chat state. Each public method is a single statement or an
// explicit transaction, so a crash between calls leaves previously
// committed rows intact. SQLite serializes writes on the backing file;
// callers should open the database with WAL and a busy timeout.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store using the given database connection.
// The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	// SQLite allows a single writer per file, and pragmas like
	// foreign_keys are connection-scoped. One pooled connection keeps
	// the pragma in force and serializes writes without SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	// Cascade FKs need foreign_keys on; the mattn DSN flag covers
	// production, the pragma covers test drivers.
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		model         TEXT NOT NULL,
		system_prompt TEXT,
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		metadata      TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content    TEXT NOT NULL,
		role       TEXT NOT NULL,
		model      TEXT,
		parent_id  TEXT,
		status     TEXT NOT NULL DEFAULT 'complete',
		error      TEXT,
		created_at TEXT NOT NULL,
		metadata   TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(active, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession upserts a session keyed by ID. Calling it twice with the
// same session yields exactly one row.
func (s *Store) SaveSession(sess *Session) error {
	meta, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, name, model, system_prompt, active, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name          = excluded.name,
			model         = excluded.model,
			system_prompt = excluded.system_prompt,
			active        = excluded.active,
			updated_at    = excluded.updated_at,
			metadata      = excluded.metadata
	`, sess.ID, sess.Name, sess.Model, nullString(sess.SystemPrompt), sess.Active,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano), meta)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveMessage upserts a message keyed by ID. The owning session row must
// already exist or the foreign key rejects the write.
func (s *Store) SaveMessage(m *Message) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, content, role, model, parent_id, status, error, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content  = excluded.content,
			status   = excluded.status,
			error    = excluded.error,
			metadata = excluded.metadata
	`, m.ID, m.SessionID, m.Content, m.Role, nullString(m.Model), nullString(m.ParentID),
		m.Status, nullString(m.Error), m.CreatedAt.UTC().Format(time.RFC3339Nano), meta)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// GetSession returns a session and its messages ordered by creation
// time. Returns [ErrSessionNotFound] for unknown IDs. Soft-deleted
// sessions are still returned; only listings filter them.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, name, model, system_prompt, active, created_at, updated_at, metadata
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	msgs, err := s.getMessages(id)
	if err != nil {
		return nil, fmt.Errorf("get session %s messages: %w", id, err)
	}
	sess.Messages = msgs
	return sess, nil
}

// ListSessions returns sessions ordered most-recently-updated first.
// With activeOnly, soft-deleted sessions are excluded. Messages are not
// loaded; use GetSession for a full transcript.
func (s *Store) ListSessions(activeOnly bool) ([]*Session, error) {
	query := `SELECT id, name, model, system_prompt, active, created_at, updated_at, metadata FROM sessions`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession physically removes a session and, via the cascade, its
// messages. Prefer soft-deleting (Active=false + SaveSession) in normal
// operation so history survives.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

func (s *Store) getMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, content, role, model, parent_id, status, error, created_at, metadata
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var model, parentID, errText, meta sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &m.Role, &model,
			&parentID, &m.Status, &errText, &createdAt, &meta); err != nil {
			return nil, err
		}
		m.Model = model.String
		m.ParentID = parentID.String
		m.Error = errText.String
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.Metadata, err = decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var systemPrompt, meta sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.Name, &sess.Model, &systemPrompt,
		&sess.Active, &createdAt, &updatedAt, &meta)
	if err != nil {
		return nil, err
	}

	sess.SystemPrompt = systemPrompt.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	sess.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// encodeMetadata serializes a metadata map for storage. Empty maps are
// stored as NULL so an untouched row stays distinguishable in the file,
// and round-trip back as empty maps.
func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeMetadata(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
