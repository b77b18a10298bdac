// Package mining runs the credit-mining control loop: it keeps the candidate
// registry, admits swarms with short probes, and starts and stops mining
// transfers on the engine as the selection policy dictates.
package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gezibash/creditmine/internal/cel"
	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/policy"
	"github.com/gezibash/creditmine/internal/resumestore"
	"github.com/gezibash/creditmine/internal/swarm"
)

// Task names.
const (
	TaskSelect        = "select"
	TaskTrackerHealth = "tracker_health"
	TaskActivity      = "activity"
	TaskRebalance     = "rebalance"
	TaskResumeDrain   = "resume_drain"
	TaskStatistics    = "statistics"
)

// Cadence is a task's first delay and period.
type Cadence struct {
	Initial  time.Duration
	Interval time.Duration
}

// Schedule holds the cadence of every periodic task.
type Schedule struct {
	Select        Cadence
	TrackerHealth Cadence
	Activity      Cadence
	Rebalance     Cadence
	ResumeDrain   Cadence
	Statistics    Cadence
}

// Config configures a Manager.
type Config struct {
	Capacity        int
	MaxPerSource    int
	Policy          string
	OldestFirst     bool
	Filter          string
	Aggressiveness  int
	ActivityTimeout time.Duration

	Lifecycle LifecycleConfig
	Admission AdmissionConfig
	Schedule  Schedule
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Capacity:        20,
		MaxPerSource:    10,
		Policy:          policy.Default,
		Aggressiveness:  DefaultAggressiveness,
		ActivityTimeout: DefaultActivityTimeout,
		Lifecycle: LifecycleConfig{
			DefaultPriority: DefaultPriority,
			ArchivePriority: ArchivePriority,
		},
		Admission: DefaultAdmissionConfig(),
		Schedule: Schedule{
			Select:        Cadence{30 * time.Second, 100 * time.Second},
			TrackerHealth: Cadence{25 * time.Second, 200 * time.Second},
			Activity:      Cadence{2 * time.Second, 2 * time.Second},
			Rebalance:     Cadence{2 * time.Second, 2 * time.Second},
			ResumeDrain:   Cadence{10 * time.Second, 5 * time.Second},
			Statistics:    Cadence{20 * time.Second, 60 * time.Second},
		},
	}
}

// Source discovers candidates and reports them to a Sink.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Kill()
}

// Sink receives discovery events.
type Sink interface {
	OnDiscovered(ctx context.Context, source string, ih swarm.Infohash, desc swarm.Descriptor) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHealthChecker sets the checker used by the tracker-health task.
func WithHealthChecker(h HealthChecker) Option {
	return func(m *Manager) { m.checker = h }
}

// WithRand seeds the random policy.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

type sourceEntry struct {
	info   swarm.Source
	runner Source
}

// Manager is the scheduler context. It owns the registry, both engine
// sessions and the periodic tasks.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	checker HealthChecker
	rng     *rand.Rand

	main  engine.Engine
	probe engine.Engine
	store *resumestore.Store

	reg       *Registry
	queue     *ResumeQueue
	admission *Admission
	lifecycle *Lifecycle
	balancer  *Balancer
	monitor   *Monitor
	health    *HealthRefresher
	stats     *Statistics
	selector  *policy.Selector
	scheduler *Scheduler

	mu      sync.Mutex
	sources map[string]*sourceEntry
	started bool
	closed  bool
}

var _ Sink = (*Manager)(nil)

// New builds a manager. main carries mining transfers alongside user ones;
// probe is the session admission probes share.
func New(cfg Config, main, probe engine.Engine, store *resumestore.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		main:    main,
		probe:   probe,
		store:   store,
		sources: make(map[string]*sourceEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observability.NewMetrics()
	}

	strategy, err := policy.New(cfg.Policy, policy.Options{OldestFirst: cfg.OldestFirst, Rand: m.rng})
	if err != nil {
		return nil, err
	}
	selOpts := []policy.SelectorOption{policy.WithPerSourceLimit(cfg.MaxPerSource)}
	if cfg.Filter != "" {
		f, err := cel.CompileSwarm(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("mining filter: %w", err)
		}
		selOpts = append(selOpts, policy.WithFilter(f))
	}
	m.selector = policy.NewSelector(strategy, selOpts...)

	m.reg = NewRegistry(cfg.ActivityTimeout, m.logger)
	m.queue = NewResumeQueue(store, m.metrics, m.logger)
	m.admission = NewAdmission(probe, m.queue, m.clock, cfg.Admission, m.metrics, m.logger)
	m.lifecycle = NewLifecycle(m.reg, main, m.admission, store, m.queue, m.clock, cfg.Lifecycle, m.metrics, m.logger)
	m.balancer, err = NewBalancer(m.reg, main, cfg.Aggressiveness, m.metrics, m.logger)
	if err != nil {
		return nil, err
	}
	m.monitor = NewMonitor(m.reg, main, m.clock, m.metrics, m.logger)
	m.health = NewHealthRefresher(m.reg, main, m.checker, m.logger)
	m.stats = NewStatistics(m.reg, main, m.metrics, m.logger)

	m.scheduler = NewScheduler(m.clock, m.metrics, m.logger)
	sc := cfg.Schedule
	for _, t := range []Task{
		{Name: TaskSelect, Initial: sc.Select.Initial, Interval: sc.Select.Interval, Run: m.Select},
		{Name: TaskTrackerHealth, Initial: sc.TrackerHealth.Initial, Interval: sc.TrackerHealth.Interval, Run: m.health.Refresh},
		{Name: TaskActivity, Initial: sc.Activity.Initial, Interval: sc.Activity.Interval, Run: m.monitor.Check},
		{Name: TaskRebalance, Initial: sc.Rebalance.Initial, Interval: sc.Rebalance.Interval, Run: m.balancer.Rebalance},
		{Name: TaskResumeDrain, Initial: sc.ResumeDrain.Initial, Interval: sc.ResumeDrain.Interval, Run: m.drain},
		{Name: TaskStatistics, Initial: sc.Statistics.Initial, Interval: sc.Statistics.Interval, Run: m.stats.Report},
	} {
		m.scheduler.Add(t)
	}
	return m, nil
}

// Registry returns the candidate registry.
func (m *Manager) Registry() *Registry { return m.reg }

// Admission returns the admission controller.
func (m *Manager) Admission() *Admission { return m.admission }

// Init starts the periodic tasks and every registered source.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runners := m.runnersLocked()
	m.mu.Unlock()

	m.scheduler.Start(ctx)
	var errs []error
	for id, r := range runners {
		if err := r.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start source %s: %w", id, err))
		}
	}
	m.logger.Info("credit mining started",
		"policy", m.selector.Strategy().Name(),
		"capacity", m.cfg.Capacity,
		"sources", len(runners),
	)
	return errors.Join(errs...)
}

// Shutdown stops sources, stops every mining transfer with its resume state
// persisted, cancels probes and tasks and closes both engine sessions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runners := m.runnersLocked()
	m.mu.Unlock()

	var errs []error
	for id, r := range runners {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop source %s: %w", id, err))
		}
	}
	m.scheduler.Stop()

	var stops []<-chan error
	for _, c := range m.reg.Snapshot() {
		if c.Handle != nil {
			stops = append(stops, m.lifecycle.Stop(ctx, c.Infohash, ReasonShutdown, false))
		}
	}
	canceled := m.admission.CancelAll()
	if err := m.queue.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, ch := range stops {
		select {
		case err := <-ch:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := m.main.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close main engine: %w", err))
	}
	if err := m.probe.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close probe engine: %w", err))
	}
	m.logger.Info("credit mining stopped", "transfers", len(stops), "probes_canceled", canceled)
	return errors.Join(errs...)
}

// Healthy reports whether the manager is running.
func (m *Manager) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) runnersLocked() map[string]Source {
	out := make(map[string]Source, len(m.sources))
	for id, e := range m.sources {
		if e.runner != nil {
			out[id] = e.runner
		}
	}
	return out
}

// AddSource registers a discovery source. runner may be nil for sources
// driven from outside; otherwise it is started now if the manager runs.
func (m *Manager) AddSource(ctx context.Context, src swarm.Source, runner Source) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.sources[src.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("source %q already registered", src.ID)
	}
	m.sources[src.ID] = &sourceEntry{info: src, runner: runner}
	start := m.started && runner != nil
	m.mu.Unlock()

	m.logger.Info("source added", "source", src.ID, "kind", src.Kind, "enabled", src.Enabled, "archive", src.Archive)
	if start {
		return runner.Start(ctx)
	}
	return nil
}

// RemoveSource stops the source and removes all of its candidates.
// Candidates with a transfer are evicted once their resume state is stored.
func (m *Manager) RemoveSource(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSource
	}

	var err error
	if e.runner != nil {
		err = e.runner.Stop(ctx)
	}
	ihs := m.reg.BySource(id)
	for _, ih := range ihs {
		m.reg.remove(ctx, ih, ReasonSourceRemoved)
	}
	m.logger.Info("source removed", "source", id, "candidates", len(ihs))
	return err
}

// SetSourceEnabled toggles mining for a source's candidates.
func (m *Manager) SetSourceEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	e, ok := m.sources[id]
	if ok {
		e.info.Enabled = enabled
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSource
	}
	m.reg.SetSourceEnabled(ctx, id, enabled)
	return nil
}

// SetSourceArchive toggles archive mode for a source's candidates.
func (m *Manager) SetSourceArchive(id string, archive bool) error {
	m.mu.Lock()
	e, ok := m.sources[id]
	if ok {
		e.info.Archive = archive
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSource
	}
	n := m.reg.SetSourceArchive(id, archive)
	m.logger.Info("source archive toggled", "source", id, "archive", archive, "candidates", n)
	return nil
}

// Sources returns the registered sources ordered by id.
func (m *Manager) Sources() []swarm.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]swarm.Source, 0, len(m.sources))
	for _, e := range m.sources {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b swarm.Source) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// OnDiscovered registers a candidate reported by a source and primes its
// admission. Discoveries from unknown sources are dropped.
func (m *Manager) OnDiscovered(ctx context.Context, source string, ih swarm.Infohash, desc swarm.Descriptor) error {
	m.mu.Lock()
	e, ok := m.sources[source]
	closed := m.closed
	var src swarm.Source
	if ok {
		src = e.info
	}
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		m.logger.Info("dropping discovery from unknown source", "source", source, "infohash", ih.Hex())
		return ErrUnknownSource
	}
	if _, err := m.reg.Insert(ctx, src, ih, desc); err != nil {
		return err
	}
	return m.lifecycle.Prime(ctx, ih)
}

// Start starts a candidate outside the policy.
func (m *Manager) Start(ctx context.Context, ih swarm.Infohash) error {
	return m.lifecycle.Start(ctx, ih)
}

// Stop stops a candidate's transfer.
func (m *Manager) Stop(ctx context.Context, ih swarm.Infohash, reason string) <-chan error {
	return m.lifecycle.Stop(ctx, ih, reason, false)
}

// Remove removes a candidate.
func (m *Manager) Remove(ctx context.Context, ih swarm.Infohash) <-chan error {
	return m.reg.Remove(ctx, ih)
}

// Select runs one selection pass: archive candidates are handled directly,
// the rest go through the policy.
func (m *Manager) Select(ctx context.Context) error {
	var eligible []policy.Swarm
	var errs []error
	for _, c := range m.reg.Snapshot() {
		if c.Status == StatusRemoved || !c.Enabled {
			continue
		}
		if c.Archive {
			if err := m.selectArchive(ctx, c); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if c.IsDuplicate {
			continue
		}
		eligible = append(eligible, swarmView(c))
	}

	d := m.selector.Apply(eligible, m.cfg.Capacity)
	for _, ih := range d.Stop {
		m.lifecycle.Stop(ctx, ih, ReasonPolicy, false)
	}
	for _, ih := range d.Start {
		if err := m.lifecycle.Start(ctx, ih); err != nil && !errors.Is(err, ErrAlreadyActive) {
			errs = append(errs, err)
		}
	}
	m.logger.Info("selection applied",
		"eligible", len(eligible),
		"start", len(d.Start),
		"stop", len(d.Stop),
	)
	return errors.Join(errs...)
}

func (m *Manager) selectArchive(ctx context.Context, c Candidate) error {
	if c.Transitioning() {
		return nil
	}
	if c.Handle == nil {
		err := m.lifecycle.Start(ctx, c.Infohash)
		if errors.Is(err, ErrAlreadyActive) || errors.Is(err, ErrDuplicate) {
			return nil
		}
		return err
	}
	st, err := m.main.Status(c.Handle)
	if err != nil {
		return nil
	}
	if st.Seeding() {
		m.lifecycle.Stop(ctx, c.Infohash, ReasonArchive, false)
	}
	return nil
}

func (m *Manager) drain(ctx context.Context) error {
	_, err := m.queue.Drain(ctx)
	return err
}

func swarmView(c Candidate) policy.Swarm {
	return policy.Swarm{
		Infohash:     c.Infohash,
		Source:       c.Descriptor.Source,
		Name:         c.Descriptor.Name,
		Category:     c.Descriptor.Category,
		Length:       c.Descriptor.Length,
		CreationDate: c.Descriptor.CreationDate,
		Seeders:      c.Seeders,
		Leechers:     c.Leechers,
		Availability: c.Availability,
		Active:       c.Handle != nil,
	}
}
