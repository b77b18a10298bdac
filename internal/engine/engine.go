// Package engine defines the capability surface the mining loop needs from a
// BitTorrent transfer engine.
package engine

import (
	"context"
	"errors"

	"github.com/gezibash/creditmine/internal/swarm"
)

var (
	// ErrHandleInvalid indicates the handle no longer refers to a live transfer.
	ErrHandleInvalid = errors.New("engine handle invalid")

	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("engine session closed")

	// ErrExists indicates a transfer for the infohash is already present.
	ErrExists = errors.New("transfer already exists")
)

// Handle refers to one transfer inside a session.
type Handle interface {
	InfoHash() swarm.Infohash
	Valid() bool
}

// Flags control how a transfer is added.
type Flags uint8

const (
	// FlagPaused adds the transfer without starting it.
	FlagPaused Flags = 1 << iota
	// FlagSequential requests pieces in order.
	FlagSequential
	// FlagShareMode limits the transfer to pieces that help the swarm.
	FlagShareMode
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// AddOptions configures AddTransfer.
type AddOptions struct {
	SavePath   string
	ResumeData []byte
	Flags      Flags
}

// Status is a point-in-time view of a transfer. Progress is the completed
// fraction of the pieces with non-zero priority.
type Status struct {
	InfoHash  swarm.Infohash
	Progress  float64
	Priority  int
	BytesUp   int64
	BytesDown int64
	Paused    bool
	NumPeers  int
}

// Seeding reports whether the transfer holds every piece.
func (s Status) Seeding() bool {
	return s.Progress >= 1.0
}

// ResumeData is the outcome of a SaveResumeData request.
type ResumeData struct {
	InfoHash swarm.Infohash
	Data     []byte
	Err      error
}

// SessionConfig configures a new engine session.
type SessionConfig struct {
	DataDir    string
	ListenPort int
	NoDHT      bool
	NoUpload   bool
	Seed       bool
	MaxConns   int
}

// Engine is a transfer engine session. Implementations must be safe for
// concurrent use.
type Engine interface {
	AddTransfer(ctx context.Context, desc swarm.Descriptor, opts AddOptions) (Handle, error)
	RemoveTransfer(h Handle) error
	FindTransfer(ih swarm.Infohash) (Handle, bool)
	Transfers() []Handle

	Pause(h Handle) error
	Resume(h Handle) error
	SetPriority(h Handle, priority int) error
	SetPiecePriorities(h Handle, priorities []int) error

	PeerInfo(h Handle) ([]swarm.PeerSnapshot, error)
	Status(h Handle) (Status, error)

	// SaveResumeData requests a resume blob. The channel receives exactly one
	// value and is then closed.
	SaveResumeData(h Handle) <-chan ResumeData

	Close() error
}

// Factory creates a session.
type Factory func(cfg SessionConfig) (Engine, error)

// ResolvedResume returns a closed channel carrying rd, for engines that can
// produce resume data synchronously.
func ResolvedResume(rd ResumeData) <-chan ResumeData {
	ch := make(chan ResumeData, 1)
	ch <- rd
	close(ch)
	return ch
}
