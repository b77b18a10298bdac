// Package policy ranks candidate swarms and decides which should be active.
package policy

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/gezibash/creditmine/internal/swarm"
)

// Swarm is the read-only view of a candidate the selector ranks.
type Swarm struct {
	Infohash     swarm.Infohash
	Source       string
	Name         string
	Category     string
	Length       int64
	CreationDate int64
	Seeders      int
	Leechers     int
	Availability float64
	Active       bool
}

// Strategy supplies the eligibility predicate and sort key for ranking.
type Strategy interface {
	Name() string
	Eligible(s Swarm) bool
	Key(s Swarm) float64
	Descending() bool
}

// Options configures built-in strategies. Unused fields are ignored.
type Options struct {
	// OldestFirst ranks creation_date ascending instead of descending.
	OldestFirst bool
	// Rand seeds the random strategy; nil uses the global source.
	Rand *rand.Rand
}

// Factory builds a strategy.
type Factory func(opts Options) Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Built-in strategy names.
const (
	Random       = "random"
	CreationDate = "creation_date"
	SeederRatio  = "seeder_ratio"

	Default = SeederRatio
)

func init() {
	Register(Random, func(opts Options) Strategy { return &randomStrategy{rng: opts.Rand} })
	Register(CreationDate, func(opts Options) Strategy { return creationDateStrategy{oldestFirst: opts.OldestFirst} })
	Register(SeederRatio, func(Options) Strategy { return seederRatioStrategy{} })
}

// Register adds a strategy factory. Panics on a duplicate name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("policy: strategy %q already registered", name))
	}
	registry[name] = factory
}

// New builds the named strategy.
func New(name string, opts Options) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy: unknown strategy %q (registered: %v)", name, List())
	}
	return factory(opts), nil
}

// List returns registered strategy names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// randomStrategy draws a fresh key on every evaluation.
type randomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (*randomStrategy) Name() string        { return Random }
func (*randomStrategy) Eligible(Swarm) bool { return true }
func (*randomStrategy) Descending() bool    { return false }

func (r *randomStrategy) Key(Swarm) float64 {
	if r.rng == nil {
		return rand.Float64()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

type creationDateStrategy struct {
	oldestFirst bool
}

func (creationDateStrategy) Name() string          { return CreationDate }
func (creationDateStrategy) Eligible(s Swarm) bool { return s.CreationDate > 0 }
func (creationDateStrategy) Key(s Swarm) float64   { return float64(s.CreationDate) }
func (c creationDateStrategy) Descending() bool    { return !c.oldestFirst }

// seederRatioStrategy favors swarms with the fewest seeders per peer.
type seederRatioStrategy struct{}

func (seederRatioStrategy) Name() string     { return SeederRatio }
func (seederRatioStrategy) Descending() bool { return false }

func (seederRatioStrategy) Eligible(s Swarm) bool {
	return s.Seeders+s.Leechers > 0
}

func (seederRatioStrategy) Key(s Swarm) float64 {
	return float64(s.Seeders) / float64(s.Seeders+s.Leechers)
}
