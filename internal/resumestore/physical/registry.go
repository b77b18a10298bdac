package physical

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Factory creates a Backend from configuration.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type registration struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds a backend factory. Panics on a duplicate name.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("resumestore: backend %q already registered", name))
	}
	registry[name] = registration{factory: factory, defaults: defaults}
}

// New creates a Backend by name. Explicit config values override defaults.
func New(ctx context.Context, name string, config map[string]string) (Backend, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resumestore: unknown backend %q (registered: %v)", name, ListBackends())
	}

	merged := make(map[string]string, len(config))
	if reg.defaults != nil {
		maps.Copy(merged, reg.defaults())
	}
	maps.Copy(merged, config)
	return reg.factory(ctx, merged)
}

// ListBackends returns the registered backend names, sorted.
func ListBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a copy of a backend's default configuration, or nil.
func Defaults(name string) map[string]string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg, ok := registry[name]
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}
