// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gotd/td/session"

	"github.com/aiku/tg-relay/pkg/relay"

	_ "modernc.org/sqlite"
)

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// SessionStore hands out the persisted MTProto session of each slot.
type SessionStore interface {
	Storage(slot relay.Slot) session.Storage
	Close() error
}

// OpenSessionStore opens the backend named by backend at path.
func OpenSessionStore(backend, path string) (SessionStore, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLiteSessionStore(path)
	case BackendFile:
		return NewFileSessionStore(path)
	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}

// SQLiteSessionStore keeps both slots in one SQLite database.
type SQLiteSessionStore struct {
	db *sql.DB
}

// OpenSQLiteSessionStore opens or creates the session database at dbPath.
func OpenSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// Both slots may write at once during a handover.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			slot TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func (s *SQLiteSessionStore) Storage(slot relay.Slot) session.Storage {
	return &sqliteSlotStorage{db: s.db, slot: slot.String()}
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

type sqliteSlotStorage struct {
	db   *sql.DB
	slot string
}

func (s *sqliteSlotStorage) LoadSession(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE slot = ?`, s.slot).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", s.slot, err)
	}
	return data, nil
}

func (s *sqliteSlotStorage) StoreSession(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (slot, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, s.slot, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.slot, err)
	}
	return nil
}

// FileSessionStore keeps one JSON session file per slot in a directory.
type FileSessionStore struct {
	dir string
}

// NewFileSessionStore creates dir if needed.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (s *FileSessionStore) Storage(slot relay.Slot) session.Storage {
	return &session.FileStorage{Path: filepath.Join(s.dir, slot.String()+".json")}
}

func (s *FileSessionStore) Close() error { return nil }
