// Package fs stores resume blobs as files in one directory.
package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

const (
	KeyPath            = "path"
	KeyDirPermissions  = "dir_permissions"
	KeyFilePermissions = "file_permissions"
	KeySync            = "sync"

	tempPrefix = ".tmp-"
)

func init() {
	physical.Register("fs", NewFactory, Defaults)
}

// Defaults returns the default configuration for the filesystem backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:            "~/.creditmine/resume",
		KeyDirPermissions:  "0700",
		KeyFilePermissions: "0600",
		KeySync:            "true",
	}
}

// NewFactory creates a filesystem backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.NewOptions("fs", config)

	path := opts.Path(KeyPath, "")
	if path == "" {
		return nil, opts.Invalid(KeyPath, "cannot be empty", nil)
	}
	dirPerms, err := opts.FileMode(KeyDirPermissions, 0o700)
	if err != nil {
		return nil, err
	}
	filePerms, err := opts.FileMode(KeyFilePermissions, 0o600)
	if err != nil {
		return nil, err
	}
	doSync, err := opts.Bool(KeySync, true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, dirPerms); err != nil {
		return nil, opts.Invalid(KeyPath, "failed to create directory", err)
	}

	slog.Info("fs resume store initialized", "path", path, "sync", doSync)

	return &Backend{
		root:      path,
		filePerms: filePerms,
		sync:      doSync,
	}, nil
}

// Backend is a filesystem implementation of physical.Backend.
type Backend struct {
	root      string
	filePerms os.FileMode
	sync      bool
	closed    atomic.Bool
}

func (b *Backend) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tempPrefix) || name == "." || name == ".." {
		return "", fmt.Errorf("fs: invalid blob name %q", name)
	}
	return filepath.Join(b.root, name), nil
}

// Put writes to a temp file in the same directory and renames it into place.
func (b *Backend) Put(_ context.Context, name string, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	path, err := b.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.root, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("fs put: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if b.sync {
		if err := tmp.Sync(); err != nil {
			return cleanup(err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}
	if err := os.Chmod(tmpName, b.filePerms); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("fs put: %w", err)
	}
	return nil
}

// Get reads a blob.
func (b *Backend) Get(_ context.Context, name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	path, err := b.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, physical.ErrNotFound
		}
		return nil, fmt.Errorf("fs get: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (b *Backend) Exists(_ context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	path, err := b.path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fs exists: %w", err)
	}
	return true, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (b *Backend) Delete(_ context.Context, name string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	path, err := b.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs delete: %w", err)
	}
	return nil
}

// List returns stored blob names, skipping in-flight temp files.
func (b *Backend) List(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("fs list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Close marks the backend as closed.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
