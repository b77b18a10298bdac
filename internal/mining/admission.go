package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/swarm"
)

// AdmissionConfig bounds and paces admission probes.
type AdmissionConfig struct {
	MaxConcurrent int
	RetryBackoff  time.Duration
	Pieces        int
	PiecePriority int
	CheckInterval time.Duration
	MaxDuration   time.Duration
	Grace         time.Duration
	SavePath      string
}

// DefaultAdmissionConfig returns the stock probe settings.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxConcurrent: 500,
		RetryBackoff:  20 * time.Second,
		Pieces:        4,
		PiecePriority: 7,
		CheckInterval: 2 * time.Second,
		MaxDuration:   time.Hour,
		Grace:         10 * time.Minute,
	}
}

// ProbeState is where a probe is in its life.
type ProbeState int

const (
	ProbeDeferred ProbeState = iota
	ProbeRunning
	ProbeGrace
	ProbeTearingDown
	ProbeDone
)

func (s ProbeState) String() string {
	switch s {
	case ProbeDeferred:
		return "deferred"
	case ProbeRunning:
		return "running"
	case ProbeGrace:
		return "grace"
	case ProbeTearingDown:
		return "tearing_down"
	case ProbeDone:
		return "done"
	default:
		return "unknown"
	}
}

// ProbeResult is what a finished probe learned.
type ProbeResult struct {
	Infohash  swarm.Infohash
	ResumeRef string
	Peers     []swarm.PeerSnapshot
	Seeders   int
	Leechers  int
	TimedOut  bool
	Duration  time.Duration
}

// Probe is a future for one admission probe.
type Probe struct {
	a    *Admission
	id   string
	ih   swarm.Infohash
	desc swarm.Descriptor
	ctx  context.Context

	// guarded by Admission.mu
	state     ProbeState
	slot      bool
	handle    engine.Handle
	started   time.Time
	prefixAt  time.Time
	peers     map[string]swarm.PeerSnapshot
	retry     *clock.Timer
	stopWatch chan struct{}
	keepState bool

	done   chan struct{}
	once   sync.Once
	result ProbeResult
	err    error
}

// ID returns the probe's correlation id.
func (p *Probe) ID() string { return p.id }

// Infohash returns the probed infohash.
func (p *Probe) Infohash() swarm.Infohash { return p.ih }

// Done is closed when the probe has finished.
func (p *Probe) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Probe) Result() (ProbeResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	default:
		return ProbeResult{}, errors.New("probe not finished")
	}
}

// Admission runs bounded-concurrency probes against the shared probe engine.
type Admission struct {
	engine  engine.Engine
	queue   *ResumeQueue
	clock   clock.Clock
	cfg     AdmissionConfig
	metrics *observability.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	probes     map[swarm.Infohash]*Probe
	running    int
	deferred   int
	onComplete func(context.Context, *Probe)
}

// NewAdmission returns an admission controller using eng for probes and
// queue for persisting their resume state.
func NewAdmission(eng engine.Engine, queue *ResumeQueue, clk clock.Clock, cfg AdmissionConfig, metrics *observability.Metrics, logger *slog.Logger) *Admission {
	return &Admission{
		engine:  eng,
		queue:   queue,
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "admission"),
		probes:  make(map[swarm.Infohash]*Probe),
	}
}

// OnComplete sets a callback run after every probe finishes.
func (a *Admission) OnComplete(fn func(context.Context, *Probe)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onComplete = fn
}

// Admit starts a probe for ih. When the pool is full the probe is deferred
// and retried after the backoff. At most one probe per infohash may be
// outstanding.
func (a *Admission) Admit(ctx context.Context, ih swarm.Infohash, desc swarm.Descriptor) (*Probe, error) {
	a.mu.Lock()
	if _, ok := a.probes[ih]; ok {
		a.mu.Unlock()
		return nil, ErrProbeInFlight
	}
	p := &Probe{
		a:     a,
		id:    uuid.NewString(),
		ih:    ih,
		desc:  desc,
		ctx:   context.WithoutCancel(ctx),
		state: ProbeDeferred,
		peers: make(map[string]swarm.PeerSnapshot),
		done:  make(chan struct{}),
	}
	a.probes[ih] = p
	a.mu.Unlock()

	a.tryLaunch(p)
	return p, nil
}

// Running returns how many probes hold a slot.
func (a *Admission) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Outstanding returns how many probes are running or deferred.
func (a *Admission) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.probes)
}

// State returns the state of the outstanding probe for ih.
func (a *Admission) State(ih swarm.Infohash) (ProbeState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.probes[ih]
	if !ok {
		return ProbeDone, false
	}
	return p.state, true
}

func (a *Admission) tryLaunch(p *Probe) {
	a.mu.Lock()
	if a.probes[p.ih] != p {
		a.mu.Unlock()
		return
	}
	if a.running >= a.cfg.MaxConcurrent {
		if p.retry == nil {
			a.deferred++
		}
		p.state = ProbeDeferred
		p.retry = a.clock.AfterFunc(a.cfg.RetryBackoff, func() { a.tryLaunch(p) })
		a.gaugesLocked()
		a.mu.Unlock()

		a.logger.Warn("admission deferred",
			"infohash", p.ih.Hex(),
			"probe_id", p.id,
			"retry_in", a.cfg.RetryBackoff,
			"error", ErrAdmissionOverload,
		)
		a.metrics.AdmissionOverload.Inc()
		return
	}
	if p.retry != nil {
		a.deferred--
		p.retry = nil
	}
	a.running++
	p.slot = true
	p.state = ProbeRunning
	a.gaugesLocked()
	a.mu.Unlock()

	if err := a.launch(p); err != nil {
		a.fail(p, err)
	}
}

func (a *Admission) launch(p *Probe) error {
	h, err := a.engine.AddTransfer(p.ctx, p.desc, engine.AddOptions{
		SavePath: a.cfg.SavePath,
		Flags:    engine.FlagPaused | engine.FlagSequential,
	})
	if err != nil {
		return fmt.Errorf("probe %s add: %w", p.ih.Short(), err)
	}

	n := max(p.desc.NumPieces, a.cfg.Pieces)
	prios := make([]int, n)
	for i := range min(a.cfg.Pieces, n) {
		prios[i] = a.cfg.PiecePriority
	}
	if err := errors.Join(a.engine.SetPiecePriorities(h, prios), a.engine.Resume(h)); err != nil {
		_ = a.engine.RemoveTransfer(h)
		return fmt.Errorf("probe %s prime: %w", p.ih.Short(), err)
	}

	ticker := a.clock.Ticker(a.cfg.CheckInterval)
	a.mu.Lock()
	if a.probes[p.ih] != p {
		a.mu.Unlock()
		ticker.Stop()
		_ = a.engine.RemoveTransfer(h)
		return nil
	}
	p.handle = h
	p.started = a.clock.Now()
	p.stopWatch = make(chan struct{})
	stop := p.stopWatch
	a.mu.Unlock()

	a.logger.Info("probe started",
		"infohash", p.ih.Hex(),
		"probe_id", p.id,
		"pieces", min(a.cfg.Pieces, n),
	)
	go a.watch(p, ticker, stop)
	return nil
}

func (a *Admission) watch(p *Probe, ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if a.check(p) {
				return
			}
		}
	}
}

// check samples a running probe and reports whether it was torn down.
func (a *Admission) check(p *Probe) bool {
	a.mu.Lock()
	h := p.handle
	a.mu.Unlock()
	if h == nil {
		return true
	}

	peers, err := a.engine.PeerInfo(h)
	if err != nil {
		a.logger.Debug("probe peer info", "infohash", p.ih.Hex(), "error", err)
	}
	st, statusErr := a.engine.Status(h)
	now := a.clock.Now()

	a.mu.Lock()
	if a.probes[p.ih] != p || p.state >= ProbeTearingDown {
		a.mu.Unlock()
		return true
	}
	for _, peer := range peers {
		p.peers[peer.IP] = peer
	}
	elapsed := now.Sub(p.started)
	switch {
	case p.prefixAt.IsZero() && statusErr == nil && st.Progress >= 1.0:
		p.prefixAt = now
		p.state = ProbeGrace
		a.mu.Unlock()
		a.logger.Info("probe prefix complete", "infohash", p.ih.Hex(), "probe_id", p.id, "elapsed", elapsed)
		return false
	case !p.prefixAt.IsZero() && now.Sub(p.prefixAt) >= a.cfg.Grace:
		a.mu.Unlock()
		a.teardown(p, false)
		return true
	case p.prefixAt.IsZero() && elapsed >= a.cfg.MaxDuration:
		a.mu.Unlock()
		a.logger.Warn("probe aborted",
			"infohash", p.ih.Hex(),
			"probe_id", p.id,
			"progress", st.Progress,
			"error", ErrProbeTimeout,
		)
		a.teardown(p, true)
		return true
	}
	a.mu.Unlock()
	return false
}

// teardown pauses the probe and hands its resume data to the queue. The
// probe completes once the data is persisted.
func (a *Admission) teardown(p *Probe, timedOut bool) {
	a.mu.Lock()
	if a.probes[p.ih] != p || p.state >= ProbeTearingDown {
		a.mu.Unlock()
		return
	}
	p.state = ProbeTearingDown
	h := p.handle
	a.closeWatchLocked(p)
	a.mu.Unlock()

	if err := a.engine.Pause(h); err != nil {
		a.logger.Warn("probe pause", "infohash", p.ih.Hex(), "error", err)
	}
	a.queue.Enqueue(p.ih, a.engine.SaveResumeData(h), func(ref string, err error) {
		a.finish(p, h, ref, err, timedOut)
	})
}

func (a *Admission) finish(p *Probe, h engine.Handle, ref string, perr error, timedOut bool) {
	if err := a.engine.RemoveTransfer(h); err != nil && !errors.Is(err, engine.ErrHandleInvalid) {
		a.logger.Warn("probe detach", "infohash", p.ih.Hex(), "error", err)
	}

	a.mu.Lock()
	if a.probes[p.ih] != p {
		keep := p.keepState
		a.mu.Unlock()
		switch {
		case ref == "":
		case keep:
			a.logger.Info("probe state kept for next start", "infohash", p.ih.Hex(), "probe_id", p.id)
		default:
			// Canceled while persisting; the blob belongs to nobody.
			_ = a.queue.store.Discard(p.ctx, ref)
		}
		return
	}
	delete(a.probes, p.ih)
	a.releaseLocked(p)
	peers := slices.Collect(maps.Values(p.peers))
	started := p.started
	a.mu.Unlock()

	if perr != nil {
		a.logger.Warn("probe finished without resume state", "infohash", p.ih.Hex(), "error", perr)
	}
	seeders, leechers := swarm.Health(peers)
	res := ProbeResult{
		Infohash:  p.ih,
		ResumeRef: ref,
		Peers:     peers,
		Seeders:   seeders,
		Leechers:  leechers,
		TimedOut:  timedOut,
		Duration:  a.clock.Since(started),
	}
	outcome := "admitted"
	if timedOut {
		outcome = "timeout"
	}
	a.logger.Info("probe finished",
		"infohash", p.ih.Hex(),
		"probe_id", p.id,
		"outcome", outcome,
		"peers", len(peers),
		"seeders", seeders,
		"leechers", leechers,
		"duration", res.Duration,
	)
	a.complete(p, res, nil, outcome)
}

func (a *Admission) fail(p *Probe, err error) {
	a.mu.Lock()
	if a.probes[p.ih] != p {
		a.mu.Unlock()
		return
	}
	delete(a.probes, p.ih)
	a.releaseLocked(p)
	a.mu.Unlock()

	a.logger.Error("probe failed", "infohash", p.ih.Hex(), "probe_id", p.id, "error", err)
	a.complete(p, ProbeResult{Infohash: p.ih}, err, "failed")
}

// Cancel aborts the outstanding probe for ih. The engine transfer is removed
// and the slot released before Cancel returns. Resume state the probe is
// still persisting is discarded.
func (a *Admission) Cancel(ih swarm.Infohash) bool {
	return a.cancel(ih, false)
}

func (a *Admission) cancel(ih swarm.Infohash, keep bool) bool {
	a.mu.Lock()
	p, ok := a.probes[ih]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.probes, ih)
	p.keepState = keep
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
		a.deferred--
	}
	a.releaseLocked(p)
	a.closeWatchLocked(p)
	h := p.handle
	a.mu.Unlock()

	if h != nil {
		if err := a.engine.RemoveTransfer(h); err != nil && !errors.Is(err, engine.ErrHandleInvalid) {
			a.logger.Warn("probe detach", "infohash", ih.Hex(), "error", err)
		}
	}
	a.logger.Info("probe canceled", "infohash", ih.Hex(), "probe_id", p.id)
	a.complete(p, ProbeResult{Infohash: ih}, ErrProbeCanceled, "canceled")
	return true
}

// CancelAll cancels every outstanding probe for shutdown. A probe already
// persisting its resume state keeps it, so the next start admits without
// probing again.
func (a *Admission) CancelAll() int {
	a.mu.Lock()
	ihs := slices.Collect(maps.Keys(a.probes))
	a.mu.Unlock()
	n := 0
	for _, ih := range ihs {
		if a.cancel(ih, true) {
			n++
		}
	}
	return n
}

func (a *Admission) releaseLocked(p *Probe) {
	if p.slot {
		p.slot = false
		a.running--
	}
	a.gaugesLocked()
}

func (a *Admission) closeWatchLocked(p *Probe) {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
}

func (a *Admission) gaugesLocked() {
	a.metrics.ProbesRunning.Set(float64(a.running))
	a.metrics.ProbesDeferred.Set(float64(a.deferred))
}

func (a *Admission) complete(p *Probe, res ProbeResult, err error, outcome string) {
	p.once.Do(func() {
		a.mu.Lock()
		p.state = ProbeDone
		fn := a.onComplete
		a.mu.Unlock()

		p.result, p.err = res, err
		close(p.done)
		a.metrics.ProbeOutcomes.WithLabelValues(outcome).Inc()
		if fn != nil {
			fn(p.ctx, p)
		}
	})
}

// State returns the probe's current state.
func (p *Probe) State() ProbeState {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	return p.state
}
