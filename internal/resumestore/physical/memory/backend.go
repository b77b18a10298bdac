// Package memory provides a volatile resume store for tests and dry runs.
package memory

import (
	"context"
	"maps"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
	"github.com/gezibash/creditmine/internal/resumestore/physical/badger"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		badger.KeyInMemory: "true",
	}
}

// NewFactory opens BadgerDB in in-memory mode.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	cfg := maps.Clone(config)
	if cfg == nil {
		cfg = make(map[string]string, 1)
	}
	cfg[badger.KeyInMemory] = "true"
	return badger.NewFactory(ctx, cfg)
}
