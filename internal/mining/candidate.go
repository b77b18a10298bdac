package mining

import (
	"maps"
	"time"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/swarm"
)

// Status is a candidate's lifecycle position.
type Status int

const (
	StatusRegistered Status = iota
	StatusAdmitting
	StatusAdmitted
	StatusActive
	StatusStopped
	StatusDuplicate
	StatusRemoved
)

var statusNames = [...]string{
	StatusRegistered: "registered",
	StatusAdmitting:  "admitting",
	StatusAdmitted:   "admitted",
	StatusActive:     "active",
	StatusStopped:    "stopped",
	StatusDuplicate:  "duplicate",
	StatusRemoved:    "removed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Statuses lists every status in order.
func Statuses() []Status {
	return []Status{
		StatusRegistered, StatusAdmitting, StatusAdmitted, StatusActive,
		StatusStopped, StatusDuplicate, StatusRemoved,
	}
}

type transition uint8

const (
	idle transition = iota
	starting
	stopping
)

// Candidate is one swarm the mining loop may activate. Values returned by
// the Registry are copies.
type Candidate struct {
	Infohash   swarm.Infohash
	Descriptor swarm.Descriptor

	Seeders      int
	Leechers     int
	Availability float64

	Enabled     bool
	Archive     bool
	IsDuplicate bool
	Stalled     bool

	LastStarted  time.Time
	LastStopped  time.Time
	LastActivity time.Time
	Timeout      time.Duration

	Peers map[string]swarm.PeerSnapshot

	Status    Status
	Handle    engine.Handle
	ResumeRef string

	removed      bool
	admitted     bool
	probing      bool
	pendingStart bool
	op           transition
	evictOnStop  bool
	stopWaiters  []chan error

	// stopAfterStart is the reason of a stop that arrived mid-start.
	stopAfterStart string

	bytesUp   int64
	bytesDown int64
}

func newCandidate(src swarm.Source, ih swarm.Infohash, desc swarm.Descriptor, timeout time.Duration) *Candidate {
	desc.Source = src.ID
	c := &Candidate{
		Infohash:   ih,
		Descriptor: desc,
		Seeders:    desc.Seeders,
		Leechers:   desc.Leechers,
		Enabled:    src.Enabled,
		Archive:    src.Archive,
		Timeout:    timeout,
		Peers:      make(map[string]swarm.PeerSnapshot),
	}
	c.settle()
	return c
}

// settle derives Status from the candidate's fields.
func (c *Candidate) settle() {
	switch {
	case c.removed:
		c.Status = StatusRemoved
	case c.IsDuplicate:
		c.Status = StatusDuplicate
	case c.Handle != nil:
		c.Status = StatusActive
	case c.probing || c.pendingStart:
		c.Status = StatusAdmitting
	case c.admitted:
		c.Status = StatusAdmitted
	case !c.LastStopped.IsZero():
		c.Status = StatusStopped
	case c.ResumeRef != "":
		c.Status = StatusAdmitted
	default:
		c.Status = StatusRegistered
	}
}

func (c *Candidate) clone() Candidate {
	cp := *c
	cp.Peers = maps.Clone(c.Peers)
	cp.stopWaiters = nil
	return cp
}

// takeStopWaiters detaches the parked stop waiters. Callers hold the
// registry lock.
func (c *Candidate) takeStopWaiters() []chan error {
	w := c.stopWaiters
	c.stopWaiters = nil
	return w
}

// Admitted reports whether the candidate can start without a new probe.
func (c Candidate) Admitted() bool {
	return c.admitted || c.ResumeRef != ""
}

// PendingStart reports whether a start waits on admission.
func (c Candidate) PendingStart() bool {
	return c.pendingStart
}

// Transitioning reports whether a start or stop is in progress.
func (c Candidate) Transitioning() bool {
	return c.op != idle
}

// Active reports whether the candidate holds an engine transfer.
func (c Candidate) Active() bool {
	return c.Handle != nil
}

// PeerList returns the peer map as a slice.
func (c Candidate) PeerList() []swarm.PeerSnapshot {
	out := make([]swarm.PeerSnapshot, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p)
	}
	return out
}
