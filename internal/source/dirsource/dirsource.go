// Package dirsource discovers swarms from .torrent files dropped into a
// directory. Existing files are reported on start; new or rewritten files
// are picked up through fsnotify once they have been quiet for the settle
// delay.
package dirsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"

	"github.com/gezibash/creditmine/internal/swarm"
)

// DefaultSettle is how long a file must go unmodified before it is read.
const DefaultSettle = 500 * time.Millisecond

const ext = ".torrent"

// ErrStarted is returned by Start on a running source.
var ErrStarted = errors.New("directory source already started")

// Sink receives discovered swarms.
type Sink interface {
	OnDiscovered(ctx context.Context, source string, ih swarm.Infohash, desc swarm.Descriptor) error
}

// Config configures a Source.
type Config struct {
	ID     string
	Dir    string
	Settle time.Duration
}

// Source watches one directory.
type Source struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	timers  map[string]*time.Timer
	seen    map[swarm.Infohash]string
}

// New creates a source reporting into sink.
func New(cfg Config, sink Sink, logger *slog.Logger) *Source {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "dirsource", "source", cfg.ID),
		timers: make(map[string]*time.Timer),
		seen:   make(map[swarm.Infohash]string),
	}
}

// Start scans the directory and begins watching it.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return ErrStarted
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.cfg.Dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.cfg.Dir, err)
	}

	// Detached from ctx so the source outlives the start call.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watcher = w
	s.cancel = cancel
	s.done = make(chan struct{})

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.logger.Warn("initial scan failed", "dir", s.cfg.Dir, "error", err)
	}
	var initial []string
	for _, e := range entries {
		if !e.IsDir() && isTorrent(e.Name()) {
			initial = append(initial, filepath.Join(s.cfg.Dir, e.Name()))
		}
	}

	go s.loop(runCtx, w, initial)
	s.logger.Info("watching directory", "dir", s.cfg.Dir, "existing", len(initial))
	return nil
}

func (s *Source) loop(ctx context.Context, w *fsnotify.Watcher, initial []string) {
	defer close(s.done)
	for _, path := range initial {
		s.load(ctx, path)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isTorrent(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				s.debounce(ctx, ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				s.forget(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func (s *Source) debounce(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.cfg.Settle, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.load(ctx, path)
		}
	})
}

// forget lets a file that is removed and dropped in again be reported anew.
func (s *Source) forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
		delete(s.timers, path)
	}
	for ih, p := range s.seen {
		if p == path {
			delete(s.seen, ih)
		}
	}
}

func (s *Source) load(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("read torrent file", "path", path, "error", err)
		return
	}
	ih, desc, err := Describe(s.cfg.ID, data)
	if err != nil {
		s.logger.Warn("skipping torrent file", "path", path, "error", err)
		return
	}

	s.mu.Lock()
	if _, dup := s.seen[ih]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[ih] = path
	s.mu.Unlock()

	if err := s.sink.OnDiscovered(ctx, s.cfg.ID, ih, desc); err != nil {
		s.logger.Warn("discovery rejected", "infohash", ih.Hex(), "error", err)
		return
	}
	s.logger.Debug("discovered", "infohash", ih.Hex(), "name", desc.Name, "length", desc.Length)
}

// Stop ends the watch and waits for in-flight discovery to return.
func (s *Source) Stop(ctx context.Context) error {
	done := s.shutdown()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill ends the watch without waiting.
func (s *Source) Kill() {
	s.shutdown()
}

func (s *Source) shutdown() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	s.cancel()
	_ = s.watcher.Close()
	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
	s.watcher = nil
	return s.done
}

func isTorrent(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

// Describe parses metainfo into the swarm descriptor a source reports.
func Describe(source string, data []byte) (swarm.Infohash, swarm.Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return swarm.Infohash{}, swarm.Descriptor{}, fmt.Errorf("parse metainfo: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return swarm.Infohash{}, swarm.Descriptor{}, fmt.Errorf("parse info: %w", err)
	}
	desc := swarm.Descriptor{
		Source:       source,
		Name:         info.Name,
		Length:       info.TotalLength(),
		Category:     category(&info),
		CreationDate: mi.CreationDate,
		NumPieces:    info.NumPieces(),
		Metainfo:     data,
	}
	return swarm.Infohash(mi.HashInfoBytes()), desc, nil
}

var categories = map[string]string{
	".mkv": "video", ".mp4": "video", ".avi": "video", ".webm": "video", ".mov": "video",
	".mp3": "audio", ".flac": "audio", ".ogg": "audio", ".wav": "audio",
	".iso": "software", ".exe": "software", ".dmg": "software", ".deb": "software",
	".pdf": "books", ".epub": "books", ".mobi": "books",
	".zip": "archive", ".tar": "archive", ".gz": "archive", ".7z": "archive",
}

// category classifies a torrent by the extension of its largest file.
func category(info *metainfo.Info) string {
	var name string
	var largest int64 = -1
	for _, f := range info.UpvertedFiles() {
		if f.Length > largest {
			largest = f.Length
			name = info.Name
			if len(f.Path) > 0 {
				name = f.Path[len(f.Path)-1]
			}
		}
	}
	if c, ok := categories[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return "other"
}
