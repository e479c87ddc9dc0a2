package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no value is stored under a key.
var ErrNotFound = errors.New("storage: identifier not found")

// Well-known identifier keys.
const (
	KeyUserID    = "user_id"
	KeySessionID = "session_id"
	KeyEmail     = "email"
)

// IdentifierStore keeps the handful of local identifiers the client needs
// between runs (anonymous user id, active session id, registered email).
type IdentifierStore struct {
	db *sql.DB
}

func NewIdentifierStore(dataDir string) (*IdentifierStore, error) {
	dbPath := filepath.Join(dataDir, "bookchat.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &IdentifierStore{db: db}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

func (s *IdentifierStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identifiers (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value stored under key, or ErrNotFound.
func (s *IdentifierStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM identifiers WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

func (s *IdentifierStore) Set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO identifiers (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *IdentifierStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identifiers WHERE key = ?`, key)
	return err
}

// UpdatedAt reports when key was last written.
func (s *IdentifierStore) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM identifiers WHERE key = ?`, key).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return updated, err
}

func (s *IdentifierStore) LoadSessionID(ctx context.Context) (string, error) {
	return s.Get(ctx, KeySessionID)
}

func (s *IdentifierStore) SaveSessionID(ctx context.Context, id string) error {
	return s.Set(ctx, KeySessionID, id)
}

func (s *IdentifierStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
