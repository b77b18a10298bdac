// Package sqlite stores resume blobs in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.creditmine/resume.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS resume_state (
    name        TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// NewFactory opens (or creates) the database file and applies the schema.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.NewOptions("sqlite", config)

	path := opts.Path(KeyPath, "")
	if path == "" {
		return nil, opts.Invalid(KeyPath, "cannot be empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, opts.Invalid(KeyPath, "failed to create directory", err)
	}
	journalMode := opts.String(KeyJournalMode, "wal")
	busyTimeout, err := opts.Int(KeyBusyTimeout, 5000)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=synchronous(full)",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, opts.Invalid(KeyPath, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, opts.Invalid(KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite resume store initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Put upserts a blob. A single statement is atomic under SQLite's journal.
func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO resume_state (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Get reads a blob.
func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM resume_state WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM resume_state WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite exists: %w", err)
	}
	return n > 0, nil
}

// Delete removes a blob.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM resume_state WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// List returns every stored blob name.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM resume_state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
