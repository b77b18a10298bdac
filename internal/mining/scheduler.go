package mining

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gezibash/creditmine/internal/observability"
)

// Task is one periodic job. Run is never invoked concurrently with itself.
type Task struct {
	Name     string
	Initial  time.Duration
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs tasks on independent cadences. A failing or panicking run
// is logged and counted and the task keeps its schedule.
type Scheduler struct {
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	tasks  []Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns an idle scheduler.
func NewScheduler(clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
	}
}

// Add registers a task. Tasks added after Start are not run.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches every task. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		timer := s.clock.Timer(t.Initial)
		s.wg.Add(1)
		go s.loop(ctx, t, timer)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels every task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task, timer *clock.Timer) {
	defer s.wg.Done()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.RunOnce(ctx, t)
		timer.Reset(t.Interval)
	}
}

// RunOnce runs t a single time with the scheduler's error handling.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) {
	op, ctx := observability.StartTask(ctx, s.metrics, s.logger, t.Name)
	err := safeRun(ctx, t)
	op.End(err)
	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues(t.Name, "task").Inc()
	}
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
