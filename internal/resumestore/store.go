// Package resumestore persists one engine resume blob per infohash.
package resumestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
	"github.com/gezibash/creditmine/internal/swarm"
)

const (
	namePrefix = "_"
	nameSuffix = ".state"
)

// ErrNotFound indicates no resume blob exists for the reference.
var ErrNotFound = physical.ErrNotFound

// Name returns the deterministic blob name for an infohash.
func Name(ih swarm.Infohash) string {
	return namePrefix + ih.Hex() + nameSuffix
}

// ParseName recovers the infohash from a blob name.
func ParseName(name string) (swarm.Infohash, bool) {
	s, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return swarm.Infohash{}, false
	}
	s, ok = strings.CutSuffix(s, nameSuffix)
	if !ok {
		return swarm.Infohash{}, false
	}
	ih, err := swarm.ParseHex(s)
	return ih, err == nil
}

// Store reads and writes resume blobs through a physical backend.
type Store struct {
	backend physical.Backend
	logger  *slog.Logger
}

// New wraps a backend.
func New(backend physical.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger.With("component", "resumestore")}
}

// Open creates the named backend and wraps it.
func Open(ctx context.Context, backend string, config map[string]string, logger *slog.Logger) (*Store, error) {
	b, err := physical.New(ctx, backend, config)
	if err != nil {
		return nil, err
	}
	return New(b, logger), nil
}

// Save writes the blob for ih and returns its reference.
func (s *Store) Save(ctx context.Context, ih swarm.Infohash, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("save resume %s: empty blob", ih.Short())
	}
	ref := Name(ih)
	if err := s.backend.Put(ctx, ref, data); err != nil {
		return "", fmt.Errorf("save resume %s: %w", ih.Short(), err)
	}
	s.logger.Debug("resume state saved", "infohash", ih.Hex(), "bytes", len(data))
	return ref, nil
}

// Load reads a blob by reference.
func (s *Store) Load(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.backend.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load resume %s: %w", ref, err)
	}
	return data, nil
}

// Lookup returns the reference for ih if a blob is stored.
func (s *Store) Lookup(ctx context.Context, ih swarm.Infohash) (string, bool, error) {
	ref := Name(ih)
	ok, err := s.backend.Exists(ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("lookup resume %s: %w", ih.Short(), err)
	}
	if !ok {
		return "", false, nil
	}
	return ref, true, nil
}

// Discard deletes a blob. Missing blobs are ignored.
func (s *Store) Discard(ctx context.Context, ref string) error {
	if err := s.backend.Delete(ctx, ref); err != nil && !errors.Is(err, physical.ErrNotFound) {
		return fmt.Errorf("discard resume %s: %w", ref, err)
	}
	return nil
}

// Pending lists the infohashes that have a stored blob.
func (s *Store) Pending(ctx context.Context) ([]swarm.Infohash, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]swarm.Infohash, 0, len(names))
	for _, n := range names {
		if ih, ok := ParseName(n); ok {
			out = append(out, ih)
		}
	}
	return out, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
