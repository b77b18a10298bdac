package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/resumestore"
	"github.com/gezibash/creditmine/internal/swarm"
)

// Default transfer priorities.
const (
	DefaultPriority = 5
	ArchivePriority = 100
)

// LifecycleConfig sets how mining transfers are added.
type LifecycleConfig struct {
	SavePath        string
	DefaultPriority int
	ArchivePriority int
}

// Lifecycle starts and stops mining transfers on the main engine. Stops
// are two-phase: the handle is detached only after resume state has been
// persisted (or its persistence has failed).
type Lifecycle struct {
	reg       *Registry
	engine    engine.Engine
	admission *Admission
	store     *resumestore.Store
	queue     *ResumeQueue
	clock     clock.Clock
	cfg       LifecycleConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewLifecycle wires a controller and binds it to reg and admission.
func NewLifecycle(reg *Registry, eng engine.Engine, admission *Admission, store *resumestore.Store, queue *ResumeQueue, clk clock.Clock, cfg LifecycleConfig, metrics *observability.Metrics, logger *slog.Logger) *Lifecycle {
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = DefaultPriority
	}
	if cfg.ArchivePriority <= 0 {
		cfg.ArchivePriority = ArchivePriority
	}
	l := &Lifecycle{
		reg:       reg,
		engine:    eng,
		admission: admission,
		store:     store,
		queue:     queue,
		clock:     clk,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "lifecycle"),
	}
	reg.bind(l)
	admission.OnComplete(l.onProbeComplete)
	return l
}

// Prime makes a freshly registered candidate admissible: a stored resume
// blob admits it directly, otherwise a probe is launched.
func (l *Lifecycle) Prime(ctx context.Context, ih swarm.Infohash) error {
	ref, ok, err := l.store.Lookup(ctx, ih)
	if err != nil {
		l.logger.Warn("resume lookup failed, probing", "infohash", ih.Hex(), "error", err)
	}
	if ok {
		l.reg.mu.Lock()
		c, live := l.reg.live(ih)
		if live {
			c.ResumeRef = ref
			c.settle()
		}
		l.reg.mu.Unlock()
		if !live {
			return ErrUnknownInfohash
		}
		l.logger.Info("resume state found, skipping probe", "infohash", ih.Hex(), "ref", ref)
		return nil
	}
	return l.admit(ctx, ih)
}

// admit launches a probe unless one is already outstanding.
func (l *Lifecycle) admit(ctx context.Context, ih swarm.Infohash) error {
	l.reg.mu.Lock()
	c, ok := l.reg.live(ih)
	if !ok {
		l.reg.mu.Unlock()
		return ErrUnknownInfohash
	}
	if c.probing {
		l.reg.mu.Unlock()
		return nil
	}
	c.probing = true
	c.settle()
	desc := c.Descriptor
	l.reg.mu.Unlock()

	if _, err := l.admission.Admit(ctx, ih, desc); err != nil && !errors.Is(err, ErrProbeInFlight) {
		l.reg.mu.Lock()
		c.probing = false
		c.settle()
		l.reg.mu.Unlock()
		return err
	}
	return nil
}

func (l *Lifecycle) onProbeComplete(ctx context.Context, p *Probe) {
	res, err := p.Result()

	l.reg.mu.Lock()
	c, ok := l.reg.live(p.Infohash())
	if !ok || !c.probing {
		l.reg.mu.Unlock()
		return
	}
	c.probing = false
	pending := c.pendingStart
	c.pendingStart = false
	if err != nil {
		c.settle()
		l.reg.mu.Unlock()
		if !errors.Is(err, ErrProbeCanceled) {
			l.logger.Warn("admission failed", "infohash", c.Infohash.Hex(), "error", err)
		}
		return
	}

	for _, peer := range res.Peers {
		c.Peers[peer.IP] = peer
	}
	if c.Seeders == 0 {
		c.Seeders = res.Seeders
	}
	if c.Leechers == 0 {
		c.Leechers = res.Leechers
	}
	c.Availability = swarm.Availability(res.Peers)
	if res.ResumeRef != "" {
		c.ResumeRef = res.ResumeRef
	}
	c.admitted = true
	c.settle()
	ih := c.Infohash
	l.reg.mu.Unlock()

	l.logger.Info("candidate admitted",
		"infohash", ih.Hex(),
		"timed_out", res.TimedOut,
		"resume", res.ResumeRef != "",
		"pending_start", pending,
	)
	if pending {
		if err := l.Start(ctx, ih); err != nil && !errors.Is(err, ErrAlreadyActive) {
			l.logger.Warn("deferred start failed", "infohash", ih.Hex(), "error", err)
		}
	}
}

// Start adds the candidate's transfer to the main engine. A candidate that
// is not yet admitted is queued: its start runs when admission completes.
func (l *Lifecycle) Start(ctx context.Context, ih swarm.Infohash) (err error) {
	ctx, span := observability.StartSpan(ctx, "mining.start", observability.InfohashAttr(ih.Hex()))
	defer func() { observability.EndSpan(span, err) }()
	return l.start(ctx, ih)
}

func (l *Lifecycle) start(ctx context.Context, ih swarm.Infohash) error {
	l.reg.mu.Lock()
	c, ok := l.reg.live(ih)
	switch {
	case !ok:
		l.reg.mu.Unlock()
		return ErrUnknownInfohash
	case c.Handle != nil || c.op != idle:
		l.reg.mu.Unlock()
		return ErrAlreadyActive
	case c.IsDuplicate:
		l.reg.mu.Unlock()
		return ErrDuplicate
	}

	if !c.admitted && c.ResumeRef == "" {
		c.pendingStart = true
		c.settle()
		l.reg.mu.Unlock()
		l.logger.Info("start waits on admission", "infohash", ih.Hex())
		return l.admit(ctx, ih)
	}

	c.op = starting
	ref, archive, desc := c.ResumeRef, c.Archive, c.Descriptor
	l.reg.mu.Unlock()

	h, err := l.add(ctx, ih, desc, ref, archive)
	if err != nil {
		l.reg.mu.Lock()
		c.op = idle
		c.stopAfterStart = ""
		if c.removed {
			l.reg.evictLocked(c)
		}
		waiters := c.takeStopWaiters()
		c.settle()
		l.reg.mu.Unlock()
		notifyStopped(waiters, nil)
		return err
	}

	now := l.clock.Now()
	l.reg.mu.Lock()
	if l.reg.entries[ih] != c || c.removed {
		c.op = idle
		c.stopAfterStart = ""
		l.reg.evictLocked(c)
		waiters := c.takeStopWaiters()
		l.reg.mu.Unlock()
		_ = l.engine.RemoveTransfer(h)
		if ref != "" {
			if err := l.store.Discard(ctx, ref); err != nil {
				l.logger.Warn("resume state of removed candidate not deleted", "infohash", ih.Hex(), "error", err)
			}
		}
		notifyStopped(waiters, nil)
		return ErrUnknownInfohash
	}
	c.op = idle
	c.Handle = h
	c.LastStarted = now
	c.LastActivity = now
	c.Stalled = false
	c.admitted = false
	c.ResumeRef = ""
	c.bytesUp, c.bytesDown = 0, 0
	c.settle()
	restop := c.stopAfterStart
	c.stopAfterStart = ""
	if restop == "" {
		switch {
		case c.IsDuplicate:
			restop = ReasonDuplicate
		case !c.Enabled:
			restop = ReasonSourceDisabled
		}
	}
	l.reg.mu.Unlock()

	if ref != "" {
		if err := l.store.Discard(ctx, ref); err != nil {
			l.logger.Warn("consumed resume state not deleted", "infohash", ih.Hex(), "error", err)
		}
	}
	l.metrics.TransfersStarted.Inc()
	l.logger.Info("transfer started", "infohash", ih.Hex(), "name", desc.Name, "archive", archive, "resume", ref != "")

	if restop != "" {
		l.Stop(ctx, ih, restop, false)
	}
	return nil
}

func (l *Lifecycle) add(ctx context.Context, ih swarm.Infohash, desc swarm.Descriptor, ref string, archive bool) (engine.Handle, error) {
	var data []byte
	if ref != "" {
		var err error
		data, err = l.store.Load(ctx, ref)
		if err != nil {
			l.logger.Warn("resume state unreadable, starting without it", "infohash", ih.Hex(), "error", err)
			data = nil
		}
	}

	flags := engine.FlagPaused
	prio := l.cfg.ArchivePriority
	if !archive {
		flags |= engine.FlagShareMode
		prio = l.cfg.DefaultPriority
	}
	h, err := l.engine.AddTransfer(ctx, desc, engine.AddOptions{
		SavePath:   l.cfg.SavePath,
		ResumeData: data,
		Flags:      flags,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", ih.Short(), err)
	}
	if err := errors.Join(l.engine.SetPriority(h, prio), l.engine.Resume(h)); err != nil {
		_ = l.engine.RemoveTransfer(h)
		return nil, fmt.Errorf("start %s: %w", ih.Short(), err)
	}
	return h, nil
}

// Stop pauses the candidate's transfer, persists its resume state and then
// detaches it. With remove the candidate is evicted after the detach. The
// returned channel resolves when the stop has finished; a stop with nothing
// to stop resolves immediately.
func (l *Lifecycle) Stop(ctx context.Context, ih swarm.Infohash, reason string, remove bool) <-chan error {
	out := make(chan error, 1)

	l.reg.mu.Lock()
	c, ok := l.reg.entries[ih]
	if !ok {
		l.reg.mu.Unlock()
		return resolved(ErrUnknownInfohash)
	}
	if c.op == stopping {
		c.stopWaiters = append(c.stopWaiters, out)
		c.evictOnStop = c.evictOnStop || remove
		l.reg.mu.Unlock()
		return out
	}
	if c.Handle == nil {
		// A start waiting on admission is dropped with the stop.
		if c.pendingStart {
			c.pendingStart = false
			c.settle()
		}
		if c.op == starting {
			// The transfer is being added; it is stopped once it exists.
			c.stopWaiters = append(c.stopWaiters, out)
			c.stopAfterStart = reason
			if remove {
				c.removed = true
				c.settle()
			}
			l.reg.mu.Unlock()
			return out
		}
		var orphan string
		if remove {
			c.removed = true
			if c.op == idle {
				l.reg.evictLocked(c)
				orphan = c.ResumeRef
			}
		}
		l.reg.mu.Unlock()
		if orphan != "" {
			if err := l.store.Discard(ctx, orphan); err != nil {
				l.logger.Warn("resume state of removed candidate not deleted", "infohash", ih.Hex(), "error", err)
			}
		}
		return resolved(nil)
	}
	c.op = stopping
	c.evictOnStop = c.evictOnStop || remove
	c.stopWaiters = append(c.stopWaiters, out)
	h := c.Handle
	l.reg.mu.Unlock()

	stopID := uuid.NewString()
	log := l.logger.With("infohash", ih.Hex(), "stop_id", stopID)
	log.Info("stopping transfer", "reason", reason, "remove", remove)

	if !h.Valid() {
		log.Error("stopping transfer", "error", ErrEngineHandleInvalid)
	}
	if err := l.engine.Pause(h); err != nil {
		log.Warn("pause failed", "error", err)
	}
	l.queue.Enqueue(ih, l.engine.SaveResumeData(h), func(ref string, err error) {
		l.finishStop(ctx, c, h, reason, log, ref, err)
	})
	return out
}

func (l *Lifecycle) finishStop(ctx context.Context, c *Candidate, h engine.Handle, reason string, log *slog.Logger, ref string, perr error) {
	if err := l.engine.RemoveTransfer(h); err != nil && !errors.Is(err, engine.ErrHandleInvalid) {
		log.Warn("detach failed", "error", err)
	}
	now := l.clock.Now()

	l.reg.mu.Lock()
	c.Handle = nil
	c.op = idle
	c.LastStopped = now
	c.Stalled = false
	if perr == nil {
		c.ResumeRef = ref
	} else {
		c.ResumeRef = ""
		c.admitted = false
	}
	waiters := c.takeStopWaiters()
	evict := c.evictOnStop || c.removed
	c.evictOnStop = false
	if evict {
		l.reg.evictLocked(c)
	}
	c.settle()
	l.reg.mu.Unlock()

	if evict && ref != "" {
		if err := l.store.Discard(ctx, ref); err != nil {
			log.Warn("resume state of removed candidate not deleted", "error", err)
		}
	}
	l.metrics.TransfersStopped.WithLabelValues(reason).Inc()
	log.Info("transfer stopped", "reason", reason, "persisted", perr == nil, "evicted", evict)
	notifyStopped(waiters, perr)
}

func notifyStopped(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
		close(w)
	}
}

// CancelProbe cancels the outstanding probe for ih, if any.
func (l *Lifecycle) CancelProbe(ih swarm.Infohash) bool {
	return l.admission.Cancel(ih)
}
