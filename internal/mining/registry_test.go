package mining

import (
	"errors"
	"testing"

	"github.com/gezibash/creditmine/internal/engine/enginetest"
	"github.com/gezibash/creditmine/internal/swarm"
)

func TestInsertRejectsLiveDuplicateKey(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.register(t, ih, "alpha")
	if _, err := h.reg.Insert(h.ctx, testSource, ih, enginetest.Descriptor(ih, "alpha")); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("insert = %v, want ErrDuplicateKey", err)
	}
	if got := h.status(t, ih); got != StatusRegistered {
		t.Fatalf("status = %v, want registered", got)
	}
}

func similar(ih swarm.Infohash, name string, seeders int) swarm.Descriptor {
	d := enginetest.Descriptor(ih, name)
	d.Seeders = seeders
	return d
}

func TestDuplicateResolutionPrefersHealthierSwarm(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	a, b := testInfohash(1), testInfohash(2)

	if _, err := h.store.Save(h.ctx, a, enginetest.ResumeBlob(a)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.Insert(h.ctx, testSource, a, similar(a, "Some.Show.S01E01", 1)); err != nil {
		t.Fatal(err)
	}
	if err := h.lifecycle.Prime(h.ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := h.lifecycle.Start(h.ctx, a); err != nil {
		t.Fatalf("start: %v", err)
	}

	// b has more seeders and names the same content.
	snap, err := h.reg.Insert(h.ctx, testSource, b, similar(b, "some show s01e01", 5))
	if err != nil {
		t.Fatal(err)
	}
	if snap.IsDuplicate {
		t.Fatal("healthier swarm flagged as duplicate")
	}
	ca, _ := h.reg.Get(a)
	if !ca.IsDuplicate || ca.Status != StatusDuplicate {
		t.Fatalf("a duplicate=%v status=%v", ca.IsDuplicate, ca.Status)
	}

	// a's transfer is stopped with its state kept.
	h.drain(t)
	ca, _ = h.reg.Get(a)
	if ca.Handle != nil || ca.ResumeRef == "" {
		t.Fatalf("duplicate still active or lost resume state: handle=%v ref=%q", ca.Handle, ca.ResumeRef)
	}
	if err := h.lifecycle.Start(h.ctx, a); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("start duplicate = %v, want ErrDuplicate", err)
	}
}

func TestDuplicateTieBreaksOnInfohash(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	lo, hi := testInfohash(1), testInfohash(2)
	if _, err := h.reg.Insert(h.ctx, testSource, hi, similar(hi, "film", 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.Insert(h.ctx, testSource, lo, similar(lo, "Film", 3)); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.reg.Get(lo); c.IsDuplicate {
		t.Fatal("lowest infohash should be canonical")
	}
	if c, _ := h.reg.Get(hi); !c.IsDuplicate {
		t.Fatal("higher infohash should be the duplicate")
	}
}

func TestDissimilarCandidatesAreNotDuplicates(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	a, b := testInfohash(1), testInfohash(2)
	da := similar(a, "film", 3)
	db := similar(b, "film", 3)
	db.Length++
	if _, err := h.reg.Insert(h.ctx, testSource, a, da); err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.Insert(h.ctx, testSource, b, db); err != nil {
		t.Fatal(err)
	}
	for _, c := range h.reg.Snapshot() {
		if c.IsDuplicate {
			t.Fatalf("%s flagged as duplicate", c.Infohash.Short())
		}
	}
}

func TestRemoveCancelsProbeSynchronously(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.register(t, ih, "alpha")
	if err := h.lifecycle.Prime(h.ctx, ih); err != nil {
		t.Fatal(err)
	}
	if h.probe.Len() != 1 {
		t.Fatal("probe not started")
	}

	done := h.reg.Remove(h.ctx, ih)
	if h.probe.Len() != 0 || h.admission.Outstanding() != 0 {
		t.Fatal("probe outlived Remove")
	}
	if err := recv(t, done); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := h.reg.Get(ih); ok {
		t.Fatal("candidate still registered")
	}
}

func TestRemoveActiveWaitsForPersistence(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.started(t, ih, "alpha")
	h.main.HoldResume(true)

	done := h.reg.Remove(h.ctx, ih)
	if c, ok := h.reg.Get(ih); !ok || c.Status != StatusRemoved {
		t.Fatal("candidate should stay visible as removed until detached")
	}
	if !pending(done) {
		t.Fatal("remove resolved before persistence")
	}
	if err := h.lifecycle.Start(h.ctx, ih); !errors.Is(err, ErrUnknownInfohash) {
		t.Fatalf("start of removed candidate = %v", err)
	}

	h.main.ReleaseResume()
	h.drain(t)
	if err := recv(t, done); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := h.reg.Get(ih); ok {
		t.Fatal("candidate not evicted")
	}
	if h.main.Len() != 0 {
		t.Fatal("transfer not removed")
	}
	if _, ok, _ := h.store.Lookup(h.ctx, ih); ok {
		t.Fatal("resume state of removed candidate kept")
	}
}

func TestRemoveUnknown(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	if err := recv(t, h.reg.Remove(h.ctx, testInfohash(7))); !errors.Is(err, ErrUnknownInfohash) {
		t.Fatalf("remove = %v", err)
	}
}

func TestReinsertAfterRemove(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.register(t, ih, "alpha")
	recv(t, h.reg.Remove(h.ctx, ih))
	h.register(t, ih, "alpha")
	if got := h.status(t, ih); got != StatusRegistered {
		t.Fatalf("status = %v", got)
	}
}

func TestUpdateHealthSkipsIdenticalWrites(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.register(t, ih, "alpha")

	changed, err := h.reg.UpdateHealth(ih, 4, 2)
	if err != nil || !changed {
		t.Fatalf("first update = %v, %v", changed, err)
	}
	changed, err = h.reg.UpdateHealth(ih, 4, 2)
	if err != nil || changed {
		t.Fatalf("identical update = %v, %v", changed, err)
	}
	if _, err := h.reg.UpdateHealth(testInfohash(2), 1, 1); !errors.Is(err, ErrUnknownInfohash) {
		t.Fatalf("unknown update = %v", err)
	}
}

func TestMergePeerLastWriteWins(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.register(t, ih, "alpha")

	for _, p := range []swarm.PeerSnapshot{
		{IP: "10.0.0.1", Progress: 0.1},
		{IP: "10.0.0.1", Progress: 0.9},
		{IP: "10.0.0.2", Progress: 0.5},
	} {
		if err := h.reg.MergePeer(ih, p); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := h.reg.Get(ih)
	if len(c.Peers) != 2 || c.Peers["10.0.0.1"].Progress != 0.9 {
		t.Fatalf("peers = %+v", c.Peers)
	}
}

func TestDisablingSourceStopsTransfers(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.started(t, ih, "alpha")

	if n := h.reg.SetSourceEnabled(h.ctx, testSource.ID, false); n != 1 {
		t.Fatalf("touched %d candidates", n)
	}
	h.drain(t)
	c, _ := h.reg.Get(ih)
	if c.Enabled || c.Handle != nil {
		t.Fatalf("enabled=%v handle=%v", c.Enabled, c.Handle)
	}
	if h.reg.SetSourceEnabled(h.ctx, "other", false) != 0 {
		t.Fatal("touched candidates of another source")
	}
}

func TestCountsByStatus(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	h.register(t, testInfohash(1), "alpha")
	h.started(t, testInfohash(2), "beta")

	counts := h.reg.Counts()
	if counts[StatusRegistered] != 1 || counts[StatusActive] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if got := h.reg.BySource(testSource.ID); len(got) != 2 || got[0] != testInfohash(1) {
		t.Fatalf("by source = %v", got)
	}
}

func TestDuplicateClearedWhenCanonicalRemoved(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	a, b := testInfohash(1), testInfohash(2)
	if _, err := h.reg.Insert(h.ctx, testSource, a, similar(a, "Some.Show.S01E01", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.Insert(h.ctx, testSource, b, similar(b, "some show s01e01", 5)); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.reg.Get(a); !c.IsDuplicate {
		t.Fatal("a should be the duplicate")
	}

	if err := recv(t, h.reg.Remove(h.ctx, b)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	c, _ := h.reg.Get(a)
	if c.IsDuplicate || c.Status != StatusRegistered {
		t.Fatalf("after canonical removed: duplicate=%v status=%v", c.IsDuplicate, c.Status)
	}
	if err := h.lifecycle.Start(h.ctx, a); errors.Is(err, ErrDuplicate) {
		t.Fatal("start still refused as duplicate")
	}
}

func TestRemovingCanonicalElectsHealthiestSurvivor(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	a, b, c := testInfohash(1), testInfohash(2), testInfohash(3)
	for _, in := range []struct {
		ih      swarm.Infohash
		seeders int
	}{{a, 1}, {b, 5}, {c, 3}} {
		if _, err := h.reg.Insert(h.ctx, testSource, in.ih, similar(in.ih, "film", in.seeders)); err != nil {
			t.Fatal(err)
		}
	}

	// Removing a duplicate leaves the canonical member alone.
	if err := recv(t, h.reg.Remove(h.ctx, a)); err != nil {
		t.Fatal(err)
	}
	if cb, _ := h.reg.Get(b); cb.IsDuplicate {
		t.Fatal("canonical flagged after a duplicate was removed")
	}

	if err := recv(t, h.reg.Remove(h.ctx, b)); err != nil {
		t.Fatal(err)
	}
	if cc, _ := h.reg.Get(c); cc.IsDuplicate {
		t.Fatal("last survivor still flagged as duplicate")
	}
}
