// Package anacrolix adapts github.com/anacrolix/torrent to engine.Engine.
//
// The library has no per-transfer priority and no pause, so the session keeps
// both as its own state: a paused transfer has data transfer disallowed, and
// the priority is recorded and reported back through Status. Sequential
// transfers are ordered through piece priorities; share mode has no
// counterpart and is ignored. Resume blobs are bencoded piece-completion
// snapshots fed back into the session's completion store before the torrent
// is added again, so a blob is only useful to a session whose storage sees
// the same payload files.
package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/swarm"
)

type transfer struct {
	t          *torrent.Torrent
	gen        uint64
	paused     bool
	priority   int
	sequential bool
	// wanted holds per-piece priorities; nil means every piece.
	wanted []int
}

type handle struct {
	s   *Session
	ih  swarm.Infohash
	gen uint64
}

func (h *handle) InfoHash() swarm.Infohash { return h.ih }

func (h *handle) Valid() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	tr, ok := h.s.transfers[h.ih]
	return ok && tr.gen == h.gen
}

// Session is one anacrolix client.
type Session struct {
	client     *torrent.Client
	completion storage.PieceCompletion
	dataDir    string
	noUpload   bool
	logger     *slog.Logger

	mu        sync.Mutex
	transfers map[swarm.Infohash]*transfer
	stores    map[string]storage.ClientImplCloser
	gen       uint64
	closed    bool
}

var _ engine.Engine = (*Session)(nil)

// Open starts a client rooted at cfg.DataDir.
func Open(cfg engine.SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	completion := storage.NewMapPieceCompletion()
	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = cfg.DataDir
	tc.DefaultStorage = storage.NewFileWithCompletion(cfg.DataDir, completion)
	tc.ListenPort = cfg.ListenPort
	tc.NoDHT = cfg.NoDHT
	tc.NoUpload = cfg.NoUpload
	tc.Seed = cfg.Seed
	if cfg.MaxConns > 0 {
		tc.EstablishedConnsPerTorrent = cfg.MaxConns
	}

	cl, err := torrent.NewClient(tc)
	if err != nil {
		_ = completion.Close()
		return nil, fmt.Errorf("start torrent client: %w", err)
	}
	logger.Info("engine session started", "data_dir", cfg.DataDir, "port", cfg.ListenPort, "dht", !cfg.NoDHT)
	return &Session{
		client:     cl,
		completion: completion,
		dataDir:    filepath.Clean(cfg.DataDir),
		noUpload:   cfg.NoUpload,
		logger:     logger.With("component", "engine"),
		transfers:  make(map[swarm.Infohash]*transfer),
		stores:     make(map[string]storage.ClientImplCloser),
	}, nil
}

// Factory adapts Open to engine.Factory.
func Factory(logger *slog.Logger) engine.Factory {
	return func(cfg engine.SessionConfig) (engine.Engine, error) {
		return Open(cfg, logger)
	}
}

func (s *Session) lookup(h engine.Handle) (*transfer, error) {
	if s.closed {
		return nil, engine.ErrClosed
	}
	ah, ok := h.(*handle)
	if !ok || ah == nil || ah.s != s {
		return nil, engine.ErrHandleInvalid
	}
	tr, ok := s.transfers[ah.ih]
	if !ok || tr.gen != ah.gen {
		return nil, engine.ErrHandleInvalid
	}
	return tr, nil
}

// AddTransfer implements engine.Engine.
func (s *Session) AddTransfer(_ context.Context, desc swarm.Descriptor, opts engine.AddOptions) (engine.Handle, error) {
	mi, err := metainfo.Load(bytes.NewReader(desc.Metainfo))
	if err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	mh := mi.HashInfoBytes()
	ih := swarm.Infohash(mh)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrClosed
	}
	if _, ok := s.transfers[ih]; ok {
		return nil, engine.ErrExists
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	if spec.Storage, err = s.storageFor(opts.SavePath); err != nil {
		return nil, err
	}
	if len(opts.ResumeData) > 0 {
		if err := s.restore(mh, opts.ResumeData); err != nil {
			s.logger.Warn("resume data rejected", "infohash", ih.Hex(), "error", err)
		}
	}

	t, _, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("add torrent %s: %w", ih.Short(), err)
	}
	tr := &transfer{
		t:          t,
		paused:     opts.Flags.Has(engine.FlagPaused),
		sequential: opts.Flags.Has(engine.FlagSequential),
	}
	if tr.paused {
		t.DisallowDataDownload()
		t.DisallowDataUpload()
	} else {
		s.apply(tr)
	}
	s.gen++
	tr.gen = s.gen
	s.transfers[ih] = tr
	return &handle{s: s, ih: ih, gen: tr.gen}, nil
}

// storageFor returns file storage rooted at path, sharing the session's
// completion store. Nil selects the client default rooted at the data dir.
// Callers hold mu.
func (s *Session) storageFor(path string) (storage.ClientImplCloser, error) {
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if path == s.dataDir {
		return nil, nil
	}
	if st, ok := s.stores[path]; ok {
		return st, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create save path: %w", err)
	}
	st := storage.NewFileWithCompletion(path, s.completion)
	s.stores[path] = st
	return st, nil
}

// apply pushes a running transfer's piece wants into the client.
func (s *Session) apply(tr *transfer) {
	tr.t.AllowDataDownload()
	if !s.noUpload {
		tr.t.AllowDataUpload()
	}
	prios := piecePriorities(tr.t.NumPieces(), tr.wanted, tr.sequential)
	if prios == nil {
		tr.t.DownloadAll()
		return
	}
	for i, p := range prios {
		tr.t.Piece(i).SetPriority(p)
	}
}

// piecePriorities returns the library priority of each of n pieces, or nil
// when every piece is wanted at normal priority. Sequential transfers rank
// the wanted pieces by index so the earliest is fetched first.
func piecePriorities(n int, wanted []int, sequential bool) []torrent.PiecePriority {
	if wanted == nil && !sequential {
		return nil
	}
	out := make([]torrent.PiecePriority, n)
	rank := 0
	for i := range n {
		p := 1
		if wanted != nil {
			p = 0
			if i < len(wanted) {
				p = wanted[i]
			}
		}
		out[i] = piecePriority(p)
		if sequential && p > 0 {
			out[i] = sequentialPriority(rank)
			rank++
		}
	}
	return out
}

func sequentialPriority(rank int) torrent.PiecePriority {
	switch rank {
	case 0:
		return torrent.PiecePriorityNow
	case 1:
		return torrent.PiecePriorityNext
	case 2:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityHigh
	}
}

// piecePriority maps a 0..7 piece priority onto the library's levels.
func piecePriority(p int) torrent.PiecePriority {
	switch {
	case p <= 0:
		return torrent.PiecePriorityNone
	case p < 4:
		return torrent.PiecePriorityNormal
	case p < 7:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNow
	}
}

// RemoveTransfer implements engine.Engine.
func (s *Session) RemoveTransfer(h engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(h)
	if err != nil {
		return err
	}
	tr.t.Drop()
	delete(s.transfers, h.InfoHash())
	return nil
}

// FindTransfer implements engine.Engine.
func (s *Session) FindTransfer(ih swarm.Infohash) (engine.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[ih]
	if !ok {
		return nil, false
	}
	return &handle{s: s, ih: ih, gen: tr.gen}, true
}

// Transfers implements engine.Engine.
func (s *Session) Transfers() []engine.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Handle, 0, len(s.transfers))
	for ih, tr := range s.transfers {
		out = append(out, &handle{s: s, ih: ih, gen: tr.gen})
	}
	return out
}

// Pause implements engine.Engine.
func (s *Session) Pause(h engine.Handle) error {
	return s.update(h, func(tr *transfer) {
		tr.paused = true
		tr.t.DisallowDataDownload()
		tr.t.DisallowDataUpload()
	})
}

// Resume implements engine.Engine.
func (s *Session) Resume(h engine.Handle) error {
	return s.update(h, func(tr *transfer) {
		tr.paused = false
		s.apply(tr)
	})
}

// SetPriority implements engine.Engine.
func (s *Session) SetPriority(h engine.Handle, priority int) error {
	return s.update(h, func(tr *transfer) { tr.priority = priority })
}

// SetPiecePriorities implements engine.Engine.
func (s *Session) SetPiecePriorities(h engine.Handle, priorities []int) error {
	return s.update(h, func(tr *transfer) {
		tr.wanted = append([]int(nil), priorities...)
		if !tr.paused {
			s.apply(tr)
		}
	})
}

func (s *Session) update(h engine.Handle, fn func(*transfer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookup(h)
	if err != nil {
		return err
	}
	fn(tr)
	return nil
}

// PeerInfo implements engine.Engine.
func (s *Session) PeerInfo(h engine.Handle) ([]swarm.PeerSnapshot, error) {
	s.mu.Lock()
	tr, err := s.lookup(h)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pieces := tr.t.NumPieces()
	conns := tr.t.PeerConns()
	out := make([]swarm.PeerSnapshot, 0, len(conns))
	for _, pc := range conns {
		st := pc.Stats()
		snap := swarm.PeerSnapshot{
			IP:           pc.RemoteAddr.String(),
			DownloadRate: int64(st.DownloadRate),
			UploadRate:   int64(st.LastWriteUploadRate),
			Pieces:       st.RemotePieceCount,
		}
		if pieces > 0 {
			snap.Progress = float64(st.RemotePieceCount) / float64(pieces)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Status implements engine.Engine.
func (s *Session) Status(h engine.Handle) (engine.Status, error) {
	s.mu.Lock()
	tr, err := s.lookup(h)
	var paused bool
	var priority int
	var wanted []int
	if err == nil {
		paused, priority, wanted = tr.paused, tr.priority, tr.wanted
	}
	s.mu.Unlock()
	if err != nil {
		return engine.Status{}, err
	}

	st := tr.t.Stats()
	return engine.Status{
		InfoHash:  h.InfoHash(),
		Progress:  progress(tr.t, wanted),
		Priority:  priority,
		BytesUp:   st.BytesWrittenData.Int64(),
		BytesDown: st.BytesReadData.Int64(),
		Paused:    paused,
		NumPeers:  st.ActivePeers,
	}, nil
}

// progress is the completed fraction of wanted pieces.
func progress(t *torrent.Torrent, wanted []int) float64 {
	n := t.NumPieces()
	want, done := 0, 0
	for i := range n {
		if wanted != nil && (i >= len(wanted) || wanted[i] <= 0) {
			continue
		}
		want++
		if t.PieceState(i).Complete {
			done++
		}
	}
	if want == 0 {
		return 0
	}
	return float64(done) / float64(want)
}

// CheckHealth reports seeders and leechers among connected peers. The
// client announces on its own schedule, so force only affects logging.
func (s *Session) CheckHealth(_ context.Context, ih swarm.Infohash, force bool) (int, int, error) {
	s.mu.Lock()
	tr, ok := s.transfers[ih]
	s.mu.Unlock()
	if !ok {
		return 0, 0, engine.ErrHandleInvalid
	}
	st := tr.t.Stats()
	seeders := st.ConnectedSeeders
	leechers := max(st.ActivePeers-seeders, 0)
	if force {
		s.logger.Debug("health from connected peers", "infohash", ih.Hex(), "seeders", seeders, "leechers", leechers)
	}
	return seeders, leechers, nil
}

// SaveResumeData implements engine.Engine. The snapshot is taken on a
// separate goroutine.
func (s *Session) SaveResumeData(h engine.Handle) <-chan engine.ResumeData {
	s.mu.Lock()
	tr, err := s.lookup(h)
	s.mu.Unlock()
	if err != nil {
		return engine.ResolvedResume(engine.ResumeData{InfoHash: h.InfoHash(), Err: err})
	}

	ch := make(chan engine.ResumeData, 1)
	go func() {
		defer close(ch)
		data, err := snapshot(tr.t)
		ch <- engine.ResumeData{InfoHash: h.InfoHash(), Data: data, Err: err}
	}()
	return ch
}

// Close implements engine.Engine.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.transfers = make(map[swarm.Infohash]*transfer)
	s.mu.Unlock()

	errs := s.client.Close()
	for path, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage %s: %w", path, err))
		}
	}
	errs = append(errs, s.completion.Close())
	return errors.Join(errs...)
}
