package policy

import (
	"slices"

	"github.com/gezibash/creditmine/internal/cel"
	"github.com/gezibash/creditmine/internal/swarm"
)

// Decision lists swarms to start and to stop. The lists are disjoint.
type Decision struct {
	Start []swarm.Infohash
	Stop  []swarm.Infohash
}

// Empty reports whether the decision changes nothing.
func (d Decision) Empty() bool {
	return len(d.Start) == 0 && len(d.Stop) == 0
}

// Selector applies a Strategy to a set of eligible swarms.
type Selector struct {
	strategy  Strategy
	filter    *cel.Filter
	perSource int
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithFilter adds a CEL expression every ranked swarm must satisfy.
func WithFilter(f *cel.Filter) SelectorOption {
	return func(s *Selector) { s.filter = f }
}

// WithPerSourceLimit caps how many swarms from one source may be targeted.
func WithPerSourceLimit(n int) SelectorOption {
	return func(s *Selector) { s.perSource = n }
}

// NewSelector returns a selector for strategy.
func NewSelector(strategy Strategy, opts ...SelectorOption) *Selector {
	s := &Selector{strategy: strategy}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strategy returns the active strategy.
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

type ranked struct {
	sw  Swarm
	key float64
}

// Apply ranks eligible and returns which swarms to start and stop so that at
// most capacity are active. Input order breaks key ties, so callers should
// pass a deterministic order.
func (s *Selector) Apply(eligible []Swarm, capacity int) Decision {
	candidates := make([]ranked, 0, len(eligible))
	for _, sw := range eligible {
		if !s.strategy.Eligible(sw) {
			continue
		}
		if s.filter != nil && !s.filter.Match(Attributes(sw)) {
			continue
		}
		candidates = append(candidates, ranked{sw: sw, key: s.strategy.Key(sw)})
	}

	desc := s.strategy.Descending()
	slices.SortStableFunc(candidates, func(a, b ranked) int {
		switch {
		case a.key == b.key:
			return 0
		case (a.key < b.key) != desc:
			return -1
		default:
			return 1
		}
	})

	target := make(map[swarm.Infohash]struct{}, max(capacity, 0))
	perSource := make(map[string]int)
	var d Decision
	for _, c := range candidates {
		if len(target) >= capacity {
			break
		}
		if s.perSource > 0 && perSource[c.sw.Source] >= s.perSource {
			continue
		}
		target[c.sw.Infohash] = struct{}{}
		perSource[c.sw.Source]++
		if !c.sw.Active {
			d.Start = append(d.Start, c.sw.Infohash)
		}
	}

	for _, sw := range eligible {
		if _, keep := target[sw.Infohash]; sw.Active && !keep {
			d.Stop = append(d.Stop, sw.Infohash)
		}
	}
	return d
}

// Attributes flattens a swarm into the variables a CEL filter sees.
func Attributes(sw Swarm) map[string]any {
	return map[string]any{
		cel.AttrName:         sw.Name,
		cel.AttrCategory:     sw.Category,
		cel.AttrSource:       sw.Source,
		cel.AttrLength:       sw.Length,
		cel.AttrSeeders:      int64(sw.Seeders),
		cel.AttrLeechers:     int64(sw.Leechers),
		cel.AttrCreationDate: sw.CreationDate,
		cel.AttrAvailability: sw.Availability,
		cel.AttrArchive:      false,
	}
}
