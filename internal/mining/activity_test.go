package mining

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/creditmine/internal/swarm"
)

func TestMonitorFlagsStalledTransfers(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.started(t, ih, "alpha")
	m := NewMonitor(h.reg, h.main, h.clock, h.metrics, h.logger)

	if err := m.Check(h.ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.reg.Get(ih); c.Stalled {
		t.Fatal("fresh transfer flagged stalled")
	}

	h.clock.Add(DefaultActivityTimeout + time.Second)
	if err := m.Check(h.ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.reg.Get(ih); !c.Stalled {
		t.Fatal("idle transfer not flagged")
	}
	if got := testutil.ToFloat64(h.metrics.StalledTransfers); got != 1 {
		t.Fatalf("stalled gauge = %v", got)
	}
	if _, ok := h.main.Get(ih); !ok {
		t.Fatal("monitor stopped a stalled transfer")
	}

	h.main.AddBytes(ih, 512, 0)
	if err := m.Check(h.ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := h.reg.Get(ih)
	if c.Stalled || !c.LastActivity.Equal(h.clock.Now()) {
		t.Fatalf("stalled=%v last activity=%v", c.Stalled, c.LastActivity)
	}
	if got := testutil.ToFloat64(h.metrics.BytesTransferred.WithLabelValues("up")); got != 512 {
		t.Fatalf("bytes up = %v", got)
	}
}

func TestHealthRefreshDerivesFromPeers(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.started(t, ih, "alpha")
	h.main.SetPeers(ih, []swarm.PeerSnapshot{
		{IP: "10.0.0.1", Progress: 1},
		{IP: "10.0.0.2", Progress: 1},
		{IP: "10.0.0.3", Progress: 0.5},
	})

	r := NewHealthRefresher(h.reg, h.main, nil, h.logger)
	if err := r.Refresh(h.ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := h.reg.Get(ih)
	if c.Seeders != 2 || c.Leechers != 1 {
		t.Fatalf("health = %d/%d, want 2/1", c.Seeders, c.Leechers)
	}
	if c.Availability != 2.5 {
		t.Fatalf("availability = %v", c.Availability)
	}
	if len(c.Peers) != 3 {
		t.Fatalf("peers = %d", len(c.Peers))
	}
}

type fixedChecker struct {
	seeders, leechers int
	forced            []bool
}

func (f *fixedChecker) CheckHealth(_ context.Context, _ swarm.Infohash, force bool) (int, int, error) {
	f.forced = append(f.forced, force)
	return f.seeders, f.leechers, nil
}

func TestHealthRefreshUsesChecker(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	ih := testInfohash(1)
	h.started(t, ih, "alpha")
	chk := &fixedChecker{seeders: 7, leechers: 3}

	r := NewHealthRefresher(h.reg, h.main, chk, h.logger)
	if err := r.Refresh(h.ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := h.reg.Get(ih)
	if c.Seeders != 7 || c.Leechers != 3 {
		t.Fatalf("health = %d/%d, want 7/3", c.Seeders, c.Leechers)
	}
	if len(chk.forced) != 1 || !chk.forced[0] {
		t.Fatalf("checker calls = %v, want one forced", chk.forced)
	}
}

func TestStatisticsSetsCandidateGauges(t *testing.T) {
	h := newHarness(t, nil, DefaultAdmissionConfig())
	h.register(t, testInfohash(1), "alpha")
	h.started(t, testInfohash(2), "beta")

	s := NewStatistics(h.reg, h.main, h.metrics, h.logger)
	if err := s.Report(h.ctx); err != nil {
		t.Fatal(err)
	}
	for status, want := range map[Status]float64{StatusRegistered: 1, StatusActive: 1, StatusStopped: 0} {
		if got := testutil.ToFloat64(h.metrics.Candidates.WithLabelValues(status.String())); got != want {
			t.Fatalf("%s gauge = %v, want %v", status, got, want)
		}
	}
}
