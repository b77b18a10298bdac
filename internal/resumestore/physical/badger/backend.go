// Package badger stores resume blobs in BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

const keyPrefix = "resume/"

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "~/.creditmine/resume-db",
		KeySyncWrites: "true",
		KeyInMemory:   "false",
	}
}

// NewFactory creates a BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.NewOptions("badger", config)

	inMemory, err := opts.Bool(KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	if inMemory {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			return nil, opts.Invalid(KeyInMemory, "failed to open in-memory database", err)
		}
		slog.Info("badger resume store initialized (in-memory)")
		return NewWithDB(db), nil
	}

	path := opts.Path(KeyPath, "")
	if path == "" {
		return nil, opts.Invalid(KeyPath, "cannot be empty", nil)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, opts.Invalid(KeyPath, "failed to create directory", err)
	}
	syncWrites, err := opts.Bool(KeySyncWrites, true)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(syncWrites))
	if err != nil {
		return nil, opts.Invalid(KeyPath, "failed to open database", err)
	}

	slog.Info("badger resume store initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB wraps an open database.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func key(name string) []byte {
	return []byte(keyPrefix + name)
}

// Put stores a blob in a single transaction.
func (b *Backend) Put(_ context.Context, name string, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(name), data)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Get reads a blob.
func (b *Backend) Get(_ context.Context, name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (b *Backend) Exists(_ context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(name))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger exists: %w", err)
	}
	return true, nil
}

// Delete removes a blob.
func (b *Backend) Delete(_ context.Context, name string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(name))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// List iterates keys under the resume prefix without fetching values.
func (b *Backend) List(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var names []string
	prefix := []byte(keyPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return names, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
