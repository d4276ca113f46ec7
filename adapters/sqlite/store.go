package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// Store is a SQLite-backed session and knowledge store. It is the
// default backend for single-node deployments where running MongoDB
// would be overkill.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ repositories.SessionStore   = (*Store)(nil)
	_ repositories.KnowledgeStore = (*Store)(nil)
)

// Open opens or creates the database file and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    client_id TEXT,
    protocol_version INTEGER,
    audio_params TEXT,
    response_format TEXT,
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    emotion TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS knowledge (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    tags TEXT,
    metadata TEXT,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_updated ON knowledge(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// CreateSession inserts the session row.
func (s *Store) CreateSession(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	params, err := json.Marshal(session.AudioParams)
	if err != nil {
		return fmt.Errorf("failed to marshal audio params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, device_id, client_id, protocol_version, audio_params, response_format, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID.String(), session.DeviceID, session.ClientID, session.ProtocolVersion,
		string(params), session.ResponseFormat, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSession refreshes the mutable session columns.
func (s *Store) UpdateSession(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = ?, response_format = ? WHERE id = ?`,
		session.LastActivityAt, session.ResponseFormat, session.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

// AppendMessage inserts one message row and bumps the session's
// activity timestamp.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, message entities.SessionMessage) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (session_id, role, content, emotion, created_at)
VALUES (?, ?, ?, ?, ?)`,
		sessionID.String(), message.Role, message.Content, message.Emotion, message.Timestamp); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		message.Timestamp, sessionID.String()); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// CloseSession stamps the session as ended. Unknown sessions are
// ignored; teardown may race with expiry.
func (s *Store) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE sessions SET closed_at = ? WHERE id = ?`,
		time.Now(), sessionID.String()); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// ListRecent returns up to limit knowledge entries, most recently
// updated first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]entities.KnowledgeEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, content, tags, metadata, updated_at
FROM knowledge ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}
	defer rows.Close()

	var entries []entities.KnowledgeEntry
	for rows.Next() {
		var entry entities.KnowledgeEntry
		var id string
		var tags, metadata sql.NullString
		if err := rows.Scan(&id, &entry.Title, &entry.Content, &tags, &metadata, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		if parsed, err := uuid.Parse(id); err == nil {
			entry.ID = parsed
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &entry.Tags); err != nil {
				s.logger.Warn("malformed knowledge tags", zap.String("id", id), zap.Error(err))
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				s.logger.Warn("malformed knowledge metadata", zap.String("id", id), zap.Error(err))
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpsertKnowledge inserts or replaces a knowledge entry. Used by the
// operator-facing API.
func (s *Store) UpsertKnowledge(ctx context.Context, entry entities.KnowledgeEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO knowledge (id, title, content, tags, metadata, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    content = excluded.content,
    tags = excluded.tags,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		entry.ID.String(), entry.Title, entry.Content, string(tags), string(metadata), entry.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert knowledge: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
