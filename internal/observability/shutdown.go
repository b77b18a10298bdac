package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCoordinator runs registered handlers once, newest first, so the
// mining manager stops before the stores and servers it depends on.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
	done     bool
	err      error
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Register adds a shutdown handler. Handlers registered after Shutdown has
// run are ignored.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		slog.Warn("shutdown handler registered too late", "component", name)
		return
	}
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
}

// Shutdown runs every handler even when some fail and returns their joined
// errors. Later calls return the first call's result.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.done = true
	handlers := s.handlers
	s.handlers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		start := time.Now()
		err := h.fn(ctx)
		if err != nil {
			slog.Error("shutdown failed", "component", h.name, "error", err, "elapsed", time.Since(start))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		slog.Info("shut down", "component", h.name, "elapsed", time.Since(start))
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}
