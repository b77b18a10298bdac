// Package physical provides the storage backend interface for resume-state
// blobs and the registry that backends add themselves to.
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no blob is stored under the name.
	ErrNotFound = errors.New("resume blob not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Backend stores opaque blobs under flat names. Put must be atomic: a reader
// sees either the previous value, the new value, or nothing, never a partial
// write. All implementations must be thread-safe.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
