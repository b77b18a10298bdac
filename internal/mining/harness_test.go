package mining

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gezibash/creditmine/internal/engine/enginetest"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/resumestore"
	_ "github.com/gezibash/creditmine/internal/resumestore/physical/fs"
	"github.com/gezibash/creditmine/internal/swarm"
)

var testSource = swarm.Source{ID: "test", Kind: swarm.SourceDirectory, Enabled: true}

type harness struct {
	ctx       context.Context
	clock     *clock.Mock
	main      *enginetest.Fake
	probe     *enginetest.Fake
	store     *resumestore.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	reg       *Registry
	queue     *ResumeQueue
	admission *Admission
	lifecycle *Lifecycle
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *resumestore.Store {
	t.Helper()
	s, err := resumestore.Open(context.Background(), "fs", map[string]string{"path": t.TempDir(), "sync": "false"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newHarness(t *testing.T, store *resumestore.Store, cfg AdmissionConfig) *harness {
	t.Helper()
	if store == nil {
		store = newTestStore(t)
	}
	h := &harness{
		ctx:     context.Background(),
		clock:   clock.NewMock(),
		main:    enginetest.New(),
		probe:   enginetest.New(),
		store:   store,
		metrics: observability.NewMetrics(),
		logger:  quietLogger(),
	}
	h.reg = NewRegistry(DefaultActivityTimeout, h.logger)
	h.queue = NewResumeQueue(store, h.metrics, h.logger)
	h.admission = NewAdmission(h.probe, h.queue, h.clock, cfg, h.metrics, h.logger)
	h.lifecycle = NewLifecycle(h.reg, h.main, h.admission, store, h.queue, h.clock, LifecycleConfig{}, h.metrics, h.logger)
	t.Cleanup(func() { h.admission.CancelAll() })
	return h
}

func testInfohash(i int) swarm.Infohash {
	return swarm.Infohash{0xcc, byte(i >> 8), byte(i)}
}

// register inserts a candidate from testSource.
func (h *harness) register(t *testing.T, ih swarm.Infohash, name string) {
	t.Helper()
	if _, err := h.reg.Insert(h.ctx, testSource, ih, enginetest.Descriptor(ih, name)); err != nil {
		t.Fatalf("insert %s: %v", name, err)
	}
}

// admitted registers a candidate whose resume state is already stored, so it
// is admitted without a probe.
func (h *harness) admitted(t *testing.T, ih swarm.Infohash, name string) {
	t.Helper()
	if _, err := h.store.Save(h.ctx, ih, enginetest.ResumeBlob(ih)); err != nil {
		t.Fatalf("save: %v", err)
	}
	h.register(t, ih, name)
	if err := h.lifecycle.Prime(h.ctx, ih); err != nil {
		t.Fatalf("prime %s: %v", name, err)
	}
	if c, _ := h.reg.Get(ih); c.Status != StatusAdmitted {
		t.Fatalf("%s status = %v, want admitted", name, c.Status)
	}
}

// started registers an admitted candidate and starts it.
func (h *harness) started(t *testing.T, ih swarm.Infohash, name string) {
	t.Helper()
	h.admitted(t, ih, name)
	if err := h.lifecycle.Start(h.ctx, ih); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Drain(h.ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return n
}

func (h *harness) status(t *testing.T, ih swarm.Infohash) Status {
	t.Helper()
	c, ok := h.reg.Get(ih)
	if !ok {
		t.Fatalf("candidate %s missing", ih.Short())
	}
	return c.Status
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func recv(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("channel not resolved")
		return nil
	}
}

func pending(ch <-chan error) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}
