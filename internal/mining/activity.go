package mining

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
)

// Monitor flags active transfers whose byte counters stopped moving. It
// never stops them.
type Monitor struct {
	reg     *Registry
	engine  engine.Engine
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewMonitor returns an activity monitor.
func NewMonitor(reg *Registry, eng engine.Engine, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		reg:     reg,
		engine:  eng,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With("component", "activity"),
	}
}

// Check samples every active transfer once.
func (m *Monitor) Check(ctx context.Context) error {
	stalled := 0
	for _, a := range m.reg.active() {
		st, err := m.engine.Status(a.h)
		if err != nil {
			m.logger.Debug("status unavailable", "infohash", a.ih.Hex(), "error", err)
			continue
		}
		now := m.clock.Now()

		m.reg.mu.Lock()
		c, ok := m.reg.entries[a.ih]
		if !ok || c.Handle != a.h {
			m.reg.mu.Unlock()
			continue
		}
		up, down := st.BytesUp-c.bytesUp, st.BytesDown-c.bytesDown
		if up > 0 || down > 0 {
			c.LastActivity = now
		}
		c.bytesUp, c.bytesDown = st.BytesUp, st.BytesDown
		was := c.Stalled
		c.Stalled = now.Sub(c.LastActivity) > c.Timeout
		isStalled := c.Stalled
		quiet := now.Sub(c.LastActivity)
		m.reg.mu.Unlock()

		if up > 0 {
			m.metrics.BytesTransferred.WithLabelValues("up").Add(float64(up))
		}
		if down > 0 {
			m.metrics.BytesTransferred.WithLabelValues("down").Add(float64(down))
		}
		if isStalled {
			stalled++
		}
		switch {
		case isStalled && !was:
			m.logger.Warn("transfer stalled", "infohash", a.ih.Hex(), "idle", quiet)
		case !isStalled && was:
			m.logger.Info("transfer active again", "infohash", a.ih.Hex())
		}
	}
	m.metrics.StalledTransfers.Set(float64(stalled))
	return nil
}
