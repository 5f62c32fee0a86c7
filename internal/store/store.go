// Package store persists bridge state that must survive restarts:
// rotated API tokens and the ids of watch messages already processed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go.uber.org/zap"
)

// Credentials is the persisted token set.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	AppUUID      string
	UpdatedAt    time.Time
}

// Store wraps the SQLite database backing the bridge.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and ensures the schema
// exists.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		app_uuid TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS seen_messages (
		id TEXT PRIMARY KEY,
		seen_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_seen_messages_seen_at ON seen_messages(seen_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCredentials upserts the single credential row. It is the target
// of the auth token-refresh callback.
func (s *Store) SaveCredentials(ctx context.Context, creds Credentials) error {
	query := `INSERT INTO credentials (id, access_token, refresh_token, app_uuid, updated_at)
			  VALUES (1, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				app_uuid = excluded.app_uuid,
				updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query,
		creds.AccessToken, creds.RefreshToken, creds.AppUUID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	s.logger.Debug("Persisted credentials")
	return nil
}

// LoadCredentials returns the stored credentials, or nil when the
// bridge has never logged in.
func (s *Store) LoadCredentials(ctx context.Context) (*Credentials, error) {
	query := `SELECT access_token, refresh_token, app_uuid, updated_at FROM credentials WHERE id = 1`

	var creds Credentials
	err := s.db.QueryRowContext(ctx, query).Scan(
		&creds.AccessToken, &creds.RefreshToken, &creds.AppUUID, &creds.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return &creds, nil
}

// MarkMessageSeen records a processed message id. Duplicate ids are
// ignored.
func (s *Store) MarkMessageSeen(ctx context.Context, id string) error {
	query := `INSERT OR IGNORE INTO seen_messages (id, seen_at) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	return nil
}

// SeenMessageIDs returns up to limit of the most recently seen
// message ids.
func (s *Store) SeenMessageIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT id FROM seen_messages ORDER BY seen_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan seen message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TrimSeenMessages deletes all but the newest keep entries.
func (s *Store) TrimSeenMessages(ctx context.Context, keep int) error {
	query := `DELETE FROM seen_messages WHERE id NOT IN (
		SELECT id FROM seen_messages ORDER BY seen_at DESC LIMIT ?
	)`
	if _, err := s.db.ExecContext(ctx, query, keep); err != nil {
		return fmt.Errorf("failed to trim seen messages: %w", err)
	}
	return nil
}
