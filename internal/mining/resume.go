package mining

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/resumestore"
	"github.com/gezibash/creditmine/internal/swarm"
)

// PersistFunc receives the outcome of a queued resume request: the stored
// reference, or an error wrapping ErrPersistence.
type PersistFunc func(ref string, err error)

type pendingResume struct {
	ih   swarm.Infohash
	ch   <-chan engine.ResumeData
	done PersistFunc
}

// ResumeQueue collects outstanding resume-data requests. Drain persists the
// ones the engine has answered and only then delivers their callbacks.
type ResumeQueue struct {
	store   *resumestore.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending []pendingResume
}

// NewResumeQueue returns a queue writing to store.
func NewResumeQueue(store *resumestore.Store, metrics *observability.Metrics, logger *slog.Logger) *ResumeQueue {
	return &ResumeQueue{
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "resume"),
	}
}

// Enqueue registers a resume request. done runs on the draining goroutine.
func (q *ResumeQueue) Enqueue(ih swarm.Infohash, ch <-chan engine.ResumeData, done PersistFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, pendingResume{ih: ih, ch: ch, done: done})
}

// Len returns the number of unanswered requests.
func (q *ResumeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain handles every request the engine has already answered without
// waiting on the rest. It returns how many were handled.
func (q *ResumeQueue) Drain(ctx context.Context) (int, error) {
	q.mu.Lock()
	var ready []pendingResume
	var results []engine.ResumeData
	keep := q.pending[:0]
	for _, p := range q.pending {
		select {
		case rd, ok := <-p.ch:
			if !ok {
				rd = engine.ResumeData{InfoHash: p.ih, Err: engine.ErrHandleInvalid}
			}
			ready = append(ready, p)
			results = append(results, rd)
		default:
			keep = append(keep, p)
		}
	}
	clear(q.pending[len(keep):])
	q.pending = keep
	q.mu.Unlock()

	for i, p := range ready {
		q.persist(ctx, p, results[i])
	}
	return len(ready), nil
}

// Flush waits for every outstanding request or for ctx to end.
func (q *ResumeQueue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		p := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case rd, ok := <-p.ch:
			if !ok {
				rd = engine.ResumeData{InfoHash: p.ih, Err: engine.ErrHandleInvalid}
			}
			q.persist(ctx, p, rd)
		case <-ctx.Done():
			q.mu.Lock()
			q.pending = append([]pendingResume{p}, q.pending...)
			n := len(q.pending)
			q.mu.Unlock()
			return fmt.Errorf("flush resume queue (%d outstanding): %w", n, ctx.Err())
		}
	}
}

func (q *ResumeQueue) persist(ctx context.Context, p pendingResume, rd engine.ResumeData) {
	var ref string
	err := rd.Err
	if err == nil {
		ref, err = q.store.Save(ctx, p.ih, rd.Data)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrPersistence, p.ih.Short(), err)
		q.logger.Error("resume state not persisted", "infohash", p.ih.Hex(), "error", err)
		q.metrics.PersistenceFailures.Inc()
		p.done("", err)
		return
	}
	q.logger.Debug("resume state persisted", "infohash", p.ih.Hex(), "ref", ref)
	p.done(ref, nil)
}
