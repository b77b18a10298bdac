package mining

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/swarm"
)

// DefaultActivityTimeout is the inactivity threshold given to new candidates.
const DefaultActivityTimeout = 240 * time.Second

// transferControl is what the registry needs from the lifecycle controller to
// keep its invariants when flags change.
type transferControl interface {
	Stop(ctx context.Context, ih swarm.Infohash, reason string, remove bool) <-chan error
	CancelProbe(ih swarm.Infohash) bool
}

// Registry is the authoritative candidate store. A single mutex serializes
// every read and write.
type Registry struct {
	mu      sync.Mutex
	entries map[swarm.Infohash]*Candidate

	timeout time.Duration
	logger  *slog.Logger
	control transferControl
}

// NewRegistry returns an empty registry. Candidates get timeout as their
// inactivity threshold; zero uses DefaultActivityTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[swarm.Infohash]*Candidate),
		timeout: timeout,
		logger:  logger.With("component", "registry"),
	}
}

func (r *Registry) bind(ctl transferControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = ctl
}

// Insert registers a candidate discovered by src and resolves duplicates
// against every live candidate.
func (r *Registry) Insert(ctx context.Context, src swarm.Source, ih swarm.Infohash, desc swarm.Descriptor) (Candidate, error) {
	r.mu.Lock()
	if old, ok := r.entries[ih]; ok && !old.removed {
		r.mu.Unlock()
		return Candidate{}, ErrDuplicateKey
	}
	c := newCandidate(src, ih, desc, r.timeout)
	r.entries[ih] = c
	stop := r.resolveDuplicatesLocked(c)
	snap := c.clone()
	ctl := r.control
	r.mu.Unlock()

	r.logger.Info("candidate registered",
		"infohash", ih.Hex(),
		"name", desc.Name,
		"source", src.ID,
		"duplicate", snap.IsDuplicate,
	)
	if ctl != nil {
		for _, d := range stop {
			ctl.Stop(ctx, d, ReasonDuplicate, false)
		}
	}
	return snap, nil
}

// resolveDuplicatesLocked flags every member of c's similarity group except
// the canonical one and returns the flagged members holding a transfer. A
// group of one clears c's flag.
func (r *Registry) resolveDuplicatesLocked(c *Candidate) []swarm.Infohash {
	group := []*Candidate{c}
	for _, o := range r.entries {
		if o != c && !o.removed && swarm.Similar(o.Descriptor, c.Descriptor) {
			group = append(group, o)
		}
	}

	canonical := group[0]
	for _, g := range group[1:] {
		if g.Seeders > canonical.Seeders ||
			(g.Seeders == canonical.Seeders && g.Infohash.Compare(canonical.Infohash) < 0) {
			canonical = g
		}
	}

	var stop []swarm.Infohash
	for _, g := range group {
		dup := g != canonical
		if g.IsDuplicate != dup {
			r.logger.Info("duplicate flag changed",
				"infohash", g.Infohash.Hex(),
				"duplicate", dup,
				"canonical", canonical.Infohash.Hex(),
			)
		}
		g.IsDuplicate = dup
		g.settle()
		if dup && g.Handle != nil && g.op != stopping {
			stop = append(stop, g.Infohash)
		}
	}
	return stop
}

// Remove cancels any probe for ih, stops its transfer and evicts it. The
// returned channel resolves once the candidate is gone.
func (r *Registry) Remove(ctx context.Context, ih swarm.Infohash) <-chan error {
	return r.remove(ctx, ih, ReasonRemoved)
}

func (r *Registry) remove(ctx context.Context, ih swarm.Infohash, reason string) <-chan error {
	r.mu.Lock()
	c, ok := r.entries[ih]
	if !ok {
		r.mu.Unlock()
		return resolved(ErrUnknownInfohash)
	}
	c.removed = true
	c.pendingStart = false
	c.settle()
	ctl := r.control
	if ctl == nil {
		r.evictLocked(c)
		r.mu.Unlock()
		return resolved(nil)
	}
	r.mu.Unlock()

	ctl.CancelProbe(ih)
	return ctl.Stop(ctx, ih, reason, true)
}

func (r *Registry) evictLocked(c *Candidate) {
	if r.entries[c.Infohash] == c {
		delete(r.entries, c.Infohash)
	}
	c.removed = true
	c.settle()
	r.logger.Info("candidate evicted", "infohash", c.Infohash.Hex())
	if c.IsDuplicate {
		return
	}

	// The group lost its canonical member; elect a new one. Survivors were
	// all flagged, so this only clears flags and has nothing to stop.
	for _, o := range r.entries {
		if !o.removed && swarm.Similar(o.Descriptor, c.Descriptor) {
			r.resolveDuplicatesLocked(o)
			return
		}
	}
}

// UpdateHealth stores new swarm health. It reports whether anything changed;
// identical values are not written.
func (r *Registry) UpdateHealth(ih swarm.Infohash, seeders, leechers int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live(ih)
	if !ok {
		return false, ErrUnknownInfohash
	}
	if c.Seeders == seeders && c.Leechers == leechers {
		return false, nil
	}
	c.Seeders, c.Leechers = seeders, leechers
	r.logger.Info("swarm health changed", "infohash", ih.Hex(), "seeders", seeders, "leechers", leechers)
	return true, nil
}

// MergePeer replaces the snapshot kept for the peer's address.
func (r *Registry) MergePeer(ih swarm.Infohash, peer swarm.PeerSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live(ih)
	if !ok {
		return ErrUnknownInfohash
	}
	c.Peers[peer.IP] = peer
	return nil
}

// SetSourceEnabled toggles Enabled on every candidate of source. Disabling
// stops their transfers. It returns how many candidates were touched.
func (r *Registry) SetSourceEnabled(ctx context.Context, source string, enabled bool) int {
	var stop []swarm.Infohash
	r.mu.Lock()
	n := 0
	for _, c := range r.entries {
		if c.removed || c.Descriptor.Source != source {
			continue
		}
		n++
		c.Enabled = enabled
		if !enabled && c.Handle != nil && c.op != stopping {
			stop = append(stop, c.Infohash)
		}
	}
	ctl := r.control
	r.mu.Unlock()

	r.logger.Info("source mining toggled", "source", source, "enabled", enabled, "candidates", n)
	if ctl != nil {
		for _, ih := range stop {
			ctl.Stop(ctx, ih, ReasonSourceDisabled, false)
		}
	}
	return n
}

// SetSourceArchive toggles Archive on every candidate of source.
func (r *Registry) SetSourceArchive(source string, archive bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.entries {
		if !c.removed && c.Descriptor.Source == source {
			c.Archive = archive
			n++
		}
	}
	return n
}

// BySource returns the infohashes of source's live candidates, sorted.
func (r *Registry) BySource(source string) []swarm.Infohash {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []swarm.Infohash
	for ih, c := range r.entries {
		if !c.removed && c.Descriptor.Source == source {
			out = append(out, ih)
		}
	}
	slices.SortFunc(out, swarm.Infohash.Compare)
	return out
}

// Get returns a copy of the candidate for ih.
func (r *Registry) Get(ih swarm.Infohash) (Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[ih]
	if !ok {
		return Candidate{}, false
	}
	return c.clone(), true
}

// Snapshot returns copies of every candidate ordered by infohash.
func (r *Registry) Snapshot() []Candidate {
	r.mu.Lock()
	out := make([]Candidate, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c.clone())
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Candidate) int { return a.Infohash.Compare(b.Infohash) })
	return out
}

// Len returns the number of registered candidates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Counts returns how many candidates are in each status.
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int)
	for _, c := range r.entries {
		out[c.Status]++
	}
	return out
}

// live returns the entry for ih unless it is missing or being removed.
// Callers hold mu.
func (r *Registry) live(ih swarm.Infohash) (*Candidate, bool) {
	c, ok := r.entries[ih]
	if !ok || c.removed {
		return nil, false
	}
	return c, true
}

type activeTransfer struct {
	ih swarm.Infohash
	h  engine.Handle
}

// active returns candidates holding a transfer that is not being stopped.
func (r *Registry) active() []activeTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activeTransfer, 0, len(r.entries))
	for ih, c := range r.entries {
		if c.Handle != nil && c.op == idle {
			out = append(out, activeTransfer{ih: ih, h: c.Handle})
		}
	}
	slices.SortFunc(out, func(a, b activeTransfer) int { return a.ih.Compare(b.ih) })
	return out
}

// owns reports whether ih is a registry candidate, whatever its state.
func (r *Registry) owns(ih swarm.Infohash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[ih]
	return ok
}
