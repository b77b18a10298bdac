// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/swarm"
)

// State is a snapshot of one fake transfer.
type State struct {
	Paused          bool
	Priority        int
	PiecePriorities []int
	ResumeData      []byte
	Progress        float64
	SavePath        string
	Flags           engine.Flags
}

type transfer struct {
	State
	gen   uint64
	up    int64
	down  int64
	peers []swarm.PeerSnapshot
}

type handle struct {
	f   *Fake
	ih  swarm.Infohash
	gen uint64
}

func (h *handle) InfoHash() swarm.Infohash { return h.ih }

func (h *handle) Valid() bool {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	t, ok := h.f.transfers[h.ih]
	return ok && t.gen == h.gen
}

// Fake is a deterministic engine whose transfers never touch the network.
type Fake struct {
	mu        sync.Mutex
	transfers map[swarm.Infohash]*transfer
	gen       uint64
	closed    bool

	holdResume bool
	held       []heldResume
	resumeErr  error
	addErr     error
	addGate    chan struct{}

	adds    int
	removes int
}

type heldResume struct {
	ih swarm.Infohash
	ch chan engine.ResumeData
}

var _ engine.Engine = (*Fake)(nil)

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{transfers: make(map[swarm.Infohash]*transfer)}
}

func (f *Fake) lookup(h engine.Handle) (*transfer, error) {
	if f.closed {
		return nil, engine.ErrClosed
	}
	fh, ok := h.(*handle)
	if !ok || fh == nil {
		return nil, engine.ErrHandleInvalid
	}
	t, ok := f.transfers[fh.ih]
	if !ok || t.gen != fh.gen {
		return nil, engine.ErrHandleInvalid
	}
	return t, nil
}

// AddTransfer implements engine.Engine.
func (f *Fake) AddTransfer(_ context.Context, desc swarm.Descriptor, opts engine.AddOptions) (engine.Handle, error) {
	ih, err := InfohashOf(desc)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	gate := f.addGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, engine.ErrClosed
	}
	if f.addErr != nil {
		return nil, f.addErr
	}
	if _, ok := f.transfers[ih]; ok {
		return nil, engine.ErrExists
	}
	f.gen++
	f.adds++
	f.transfers[ih] = &transfer{
		gen: f.gen,
		State: State{
			Paused:     opts.Flags.Has(engine.FlagPaused),
			ResumeData: slices.Clone(opts.ResumeData),
			SavePath:   opts.SavePath,
			Flags:      opts.Flags,
		},
	}
	return &handle{f: f, ih: ih, gen: f.gen}, nil
}

// RemoveTransfer implements engine.Engine.
func (f *Fake) RemoveTransfer(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(h); err != nil {
		return err
	}
	delete(f.transfers, h.InfoHash())
	f.removes++
	return nil
}

// FindTransfer implements engine.Engine.
func (f *Fake) FindTransfer(ih swarm.Infohash) (engine.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[ih]
	if !ok {
		return nil, false
	}
	return &handle{f: f, ih: ih, gen: t.gen}, true
}

// Transfers implements engine.Engine.
func (f *Fake) Transfers() []engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Handle, 0, len(f.transfers))
	for ih, t := range f.transfers {
		out = append(out, &handle{f: f, ih: ih, gen: t.gen})
	}
	return out
}

// Pause implements engine.Engine.
func (f *Fake) Pause(h engine.Handle) error {
	return f.update(h, func(t *transfer) { t.Paused = true })
}

// Resume implements engine.Engine.
func (f *Fake) Resume(h engine.Handle) error {
	return f.update(h, func(t *transfer) { t.Paused = false })
}

// SetPriority implements engine.Engine.
func (f *Fake) SetPriority(h engine.Handle, priority int) error {
	return f.update(h, func(t *transfer) { t.Priority = priority })
}

// SetPiecePriorities implements engine.Engine.
func (f *Fake) SetPiecePriorities(h engine.Handle, priorities []int) error {
	return f.update(h, func(t *transfer) { t.PiecePriorities = slices.Clone(priorities) })
}

func (f *Fake) update(h engine.Handle, fn func(*transfer)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.lookup(h)
	if err != nil {
		return err
	}
	fn(t)
	return nil
}

// PeerInfo implements engine.Engine.
func (f *Fake) PeerInfo(h engine.Handle) ([]swarm.PeerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.peers), nil
}

// Status implements engine.Engine.
func (f *Fake) Status(h engine.Handle) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.lookup(h)
	if err != nil {
		return engine.Status{}, err
	}
	return engine.Status{
		InfoHash:  h.InfoHash(),
		Progress:  t.Progress,
		Priority:  t.Priority,
		BytesUp:   t.up,
		BytesDown: t.down,
		Paused:    t.Paused,
		NumPeers:  len(t.peers),
	}, nil
}

// SaveResumeData implements engine.Engine. While HoldResume is set, requests
// stay pending until ReleaseResume.
func (f *Fake) SaveResumeData(h engine.Handle) <-chan engine.ResumeData {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(h); err != nil {
		return engine.ResolvedResume(engine.ResumeData{InfoHash: h.InfoHash(), Err: err})
	}
	if f.holdResume {
		ch := make(chan engine.ResumeData, 1)
		f.held = append(f.held, heldResume{ih: h.InfoHash(), ch: ch})
		return ch
	}
	return engine.ResolvedResume(f.resumeFor(h.InfoHash()))
}

func (f *Fake) resumeFor(ih swarm.Infohash) engine.ResumeData {
	if f.resumeErr != nil {
		return engine.ResumeData{InfoHash: ih, Err: f.resumeErr}
	}
	return engine.ResumeData{InfoHash: ih, Data: ResumeBlob(ih)}
}

// Close implements engine.Engine.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// HoldResume makes subsequent SaveResumeData calls block until released.
func (f *Fake) HoldResume(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdResume = hold
}

// ReleaseResume completes all held resume requests and returns how many.
func (f *Fake) ReleaseResume() int {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.mu.Unlock()

	for _, hr := range held {
		f.mu.Lock()
		rd := f.resumeFor(hr.ih)
		f.mu.Unlock()
		hr.ch <- rd
		close(hr.ch)
	}
	return len(held)
}

// FailResume makes resume requests fail with err. Pass nil to clear.
func (f *Fake) FailResume(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeErr = err
}

// BlockAdd makes AddTransfer wait until release is called.
func (f *Fake) BlockAdd() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.addGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.addGate == gate {
				f.addGate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// FailAdd makes AddTransfer fail with err. Pass nil to clear.
func (f *Fake) FailAdd(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

// SetProgress sets the completion fraction reported by Status.
func (f *Fake) SetProgress(ih swarm.Infohash, progress float64) {
	f.with(ih, func(t *transfer) { t.Progress = progress })
}

// SetPeers replaces the peers reported by PeerInfo.
func (f *Fake) SetPeers(ih swarm.Infohash, peers []swarm.PeerSnapshot) {
	f.with(ih, func(t *transfer) { t.peers = slices.Clone(peers) })
}

// AddBytes increases the cumulative byte counters.
func (f *Fake) AddBytes(ih swarm.Infohash, up, down int64) {
	f.with(ih, func(t *transfer) {
		t.up += up
		t.down += down
	})
}

func (f *Fake) with(ih swarm.Infohash, fn func(*transfer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transfers[ih]; ok {
		fn(t)
	}
}

// AddUser adds a transfer that did not come from the mining loop.
func (f *Fake) AddUser(ih swarm.Infohash, priority int) engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.transfers[ih] = &transfer{gen: f.gen, State: State{Priority: priority}}
	return &handle{f: f, ih: ih, gen: f.gen}
}

// Get returns the state of the transfer for ih.
func (f *Fake) Get(ih swarm.Infohash) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[ih]
	if !ok {
		return State{}, false
	}
	s := t.State
	s.PiecePriorities = slices.Clone(t.PiecePriorities)
	return s, true
}

// Len returns the number of live transfers.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// Counts returns how many transfers were added and removed.
func (f *Fake) Counts() (adds, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds, f.removes
}

// Descriptor builds a descriptor whose metainfo encodes ih, so the fake can
// recover the infohash in AddTransfer.
func Descriptor(ih swarm.Infohash, name string) swarm.Descriptor {
	return swarm.Descriptor{
		Source:    "test",
		Name:      name,
		Length:    1 << 20,
		Category:  "other",
		NumPieces: 16,
		Metainfo:  []byte(ih.Hex()),
	}
}

// InfohashOf recovers the infohash embedded by Descriptor.
func InfohashOf(desc swarm.Descriptor) (swarm.Infohash, error) {
	ih, err := swarm.ParseHex(string(desc.Metainfo))
	if err != nil {
		return ih, fmt.Errorf("enginetest: descriptor metainfo: %w", err)
	}
	return ih, nil
}

// ResumeBlob is the resume data the fake produces for ih.
func ResumeBlob(ih swarm.Infohash) []byte {
	return []byte("resume:" + ih.Hex())
}
