package mining

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/engine/enginetest"
	"github.com/gezibash/creditmine/internal/swarm"
)

func admit(t *testing.T, h *harness, i int) *Probe {
	t.Helper()
	ih := testInfohash(i)
	p, err := h.admission.Admit(h.ctx, ih, enginetest.Descriptor(ih, "probe"))
	if err != nil {
		t.Fatalf("admit %d: %v", i, err)
	}
	return p
}

func TestAdmissionBoundsConcurrentProbes(t *testing.T) {
	cfg := DefaultAdmissionConfig()
	h := newHarness(t, nil, cfg)

	for i := range cfg.MaxConcurrent {
		admit(t, h, i)
	}
	if got := h.admission.Running(); got != cfg.MaxConcurrent {
		t.Fatalf("running = %d, want %d", got, cfg.MaxConcurrent)
	}
	if got := testutil.ToFloat64(h.metrics.AdmissionOverload); got != 0 {
		t.Fatalf("overload before the limit = %v", got)
	}

	extra := admit(t, h, cfg.MaxConcurrent)
	if got := extra.State(); got != ProbeDeferred {
		t.Fatalf("probe %d state = %v, want deferred", cfg.MaxConcurrent+1, got)
	}
	if got := h.admission.Running(); got != cfg.MaxConcurrent {
		t.Fatalf("running = %d after overflow", got)
	}
	if h.probe.Len() != cfg.MaxConcurrent {
		t.Fatalf("probe transfers = %d", h.probe.Len())
	}
	if got := testutil.ToFloat64(h.metrics.AdmissionOverload); got != 1 {
		t.Fatalf("overload = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.ProbesDeferred); got != 1 {
		t.Fatalf("deferred gauge = %v", got)
	}

	if !h.admission.Cancel(testInfohash(0)) {
		t.Fatal("cancel of running probe failed")
	}
	if got := h.admission.Running(); got != cfg.MaxConcurrent-1 {
		t.Fatalf("running after cancel = %d", got)
	}

	// The deferred probe takes the freed slot on its retry.
	h.clock.Add(cfg.RetryBackoff)
	eventually(t, func() bool { return extra.State() == ProbeRunning })
	eventually(t, func() bool { return h.admission.Running() == cfg.MaxConcurrent })
	if got := testutil.ToFloat64(h.metrics.ProbesDeferred); got != 0 {
		t.Fatalf("deferred gauge after retry = %v", got)
	}
}

func TestAdmissionRejectsSecondProbe(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	admit(t, h, 1)
	ih := testInfohash(1)
	if _, err := h.admission.Admit(h.ctx, ih, enginetest.Descriptor(ih, "probe")); !errors.Is(err, ErrProbeInFlight) {
		t.Fatalf("second admit = %v, want ErrProbeInFlight", err)
	}
}

func TestProbePrimesLeadingPieces(t *testing.T) {
	cfg := DefaultAdmissionConfig()
	h := newHarness(t, nil, cfg)
	admit(t, h, 1)

	st, ok := h.probe.Get(testInfohash(1))
	if !ok {
		t.Fatal("probe transfer missing")
	}
	if !st.Flags.Has(engine.FlagSequential) {
		t.Fatal("probe not sequential")
	}
	if st.Paused {
		t.Fatal("probe left paused")
	}
	for i, prio := range st.PiecePriorities {
		want := 0
		if i < cfg.Pieces {
			want = cfg.PiecePriority
		}
		if prio != want {
			t.Fatalf("piece %d priority = %d, want %d", i, prio, want)
		}
	}
}

func TestProbeGraceThenAdmitted(t *testing.T) {
	cfg := DefaultAdmissionConfig()
	h := newHarness(t, nil, cfg)
	p := admit(t, h, 1)
	ih := p.Infohash()

	h.probe.SetPeers(ih, []swarm.PeerSnapshot{
		{IP: "10.0.0.1", Progress: 1},
		{IP: "10.0.0.2", Progress: 0.25},
	})
	h.probe.SetProgress(ih, 1.0)
	eventually(t, func() bool {
		h.clock.Add(cfg.CheckInterval)
		return p.State() == ProbeGrace
	})

	// Still within grace: nothing is torn down.
	h.clock.Add(cfg.Grace / 2)
	time.Sleep(5 * time.Millisecond)
	if p.State() != ProbeGrace || h.queue.Len() != 0 {
		t.Fatalf("probe state = %v queue = %d during grace", p.State(), h.queue.Len())
	}

	eventually(t, func() bool {
		h.clock.Add(cfg.Grace)
		return h.queue.Len() == 1
	})
	h.drain(t)

	<-p.Done()
	res, err := p.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.TimedOut || res.ResumeRef == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Seeders != 1 || res.Leechers != 1 {
		t.Fatalf("health = %d/%d, want 1/1", res.Seeders, res.Leechers)
	}
	if h.probe.Len() != 0 || h.admission.Running() != 0 {
		t.Fatal("probe not released")
	}
	if _, ok, _ := h.store.Lookup(h.ctx, ih); !ok {
		t.Fatal("probe resume state not stored")
	}
	if got := testutil.ToFloat64(h.metrics.ProbeOutcomes.WithLabelValues("admitted")); got != 1 {
		t.Fatalf("admitted outcomes = %v", got)
	}
}

func TestProbeTimesOut(t *testing.T) {
	cfg := DefaultAdmissionConfig()
	h := newHarness(t, nil, cfg)
	p := admit(t, h, 1)

	eventually(t, func() bool {
		h.clock.Add(time.Minute)
		return h.queue.Len() == 1
	})
	h.drain(t)

	<-p.Done()
	res, err := p.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("probe should have timed out")
	}
	if res.Duration < cfg.MaxDuration {
		t.Fatalf("duration = %v, want at least %v", res.Duration, cfg.MaxDuration)
	}
	if got := testutil.ToFloat64(h.metrics.ProbeOutcomes.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("timeout outcomes = %v", got)
	}
}

func TestProbeCancelIsSynchronous(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	p := admit(t, h, 1)

	if !h.admission.Cancel(p.Infohash()) {
		t.Fatal("cancel failed")
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("probe not done after cancel")
	}
	if _, err := p.Result(); !errors.Is(err, ErrProbeCanceled) {
		t.Fatalf("result error = %v", err)
	}
	if h.probe.Len() != 0 || h.admission.Outstanding() != 0 {
		t.Fatal("probe transfer still present")
	}
	if h.admission.Cancel(p.Infohash()) {
		t.Fatal("second cancel should report nothing to cancel")
	}
}

func TestProbeAddFailureCompletesWithError(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	h.probe.FailAdd(errors.New("session full"))
	p := admit(t, h, 1)

	<-p.Done()
	if _, err := p.Result(); err == nil {
		t.Fatal("expected failure")
	}
	if h.admission.Running() != 0 {
		t.Fatal("slot not released")
	}
}

// tearDown runs p into its timeout teardown with resume persistence held.
func tearDown(t *testing.T, h *harness, p *Probe) {
	t.Helper()
	h.probe.HoldResume(true)
	eventually(t, func() bool {
		h.clock.Add(time.Minute)
		return h.queue.Len() == 1
	})
	if got := p.State(); got != ProbeTearingDown {
		t.Fatalf("probe state = %v, want tearing_down", got)
	}
}

func TestCancelAllKeepsPersistingProbeState(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	p := admit(t, h, 1)
	tearDown(t, h, p)

	if n := h.admission.CancelAll(); n != 1 {
		t.Fatalf("canceled %d probes, want 1", n)
	}
	h.probe.ReleaseResume()
	h.drain(t)

	if _, err := p.Result(); !errors.Is(err, ErrProbeCanceled) {
		t.Fatalf("result error = %v", err)
	}
	if _, ok, _ := h.store.Lookup(h.ctx, p.Infohash()); !ok {
		t.Fatal("resume state persisted during shutdown was discarded")
	}
}

func TestCancelDiscardsPersistingProbeState(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	p := admit(t, h, 1)
	tearDown(t, h, p)

	if !h.admission.Cancel(p.Infohash()) {
		t.Fatal("cancel failed")
	}
	h.probe.ReleaseResume()
	h.drain(t)

	if _, ok, _ := h.store.Lookup(h.ctx, p.Infohash()); ok {
		t.Fatal("resume state of canceled probe kept")
	}
}
