package mining

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/swarm"
)

// HealthChecker reports swarm health for an infohash, typically by asking
// the engine to scrape its trackers. force is set when the cached health was
// just derived from peers.
type HealthChecker interface {
	CheckHealth(ctx context.Context, ih swarm.Infohash, force bool) (seeders, leechers int, err error)
}

// HealthRefresher merges engine peer views into candidates and refreshes
// their seeder and leecher counts.
type HealthRefresher struct {
	reg     *Registry
	engine  engine.Engine
	checker HealthChecker
	logger  *slog.Logger
}

// NewHealthRefresher returns a refresher. checker may be nil.
func NewHealthRefresher(reg *Registry, eng engine.Engine, checker HealthChecker, logger *slog.Logger) *HealthRefresher {
	return &HealthRefresher{
		reg:     reg,
		engine:  eng,
		checker: checker,
		logger:  logger.With("component", "health"),
	}
}

// Refresh runs one pass over every active transfer.
func (h *HealthRefresher) Refresh(ctx context.Context) error {
	var errs []error
	for _, a := range h.reg.active() {
		peers, err := h.engine.PeerInfo(a.h)
		if err != nil {
			h.logger.Debug("peer info unavailable", "infohash", a.ih.Hex(), "error", err)
			continue
		}

		h.reg.mu.Lock()
		c, ok := h.reg.live(a.ih)
		if !ok {
			h.reg.mu.Unlock()
			continue
		}
		for _, p := range peers {
			c.Peers[p.IP] = p
		}
		all := c.PeerList()
		seeders, leechers := swarm.Health(all)
		force := false
		if c.Seeders == 0 {
			c.Seeders = seeders
			force = true
		}
		if c.Leechers == 0 {
			c.Leechers = leechers
			force = true
		}
		c.Availability = swarm.Availability(all)
		h.reg.mu.Unlock()

		if force {
			h.logger.Debug("health derived from peers", "infohash", a.ih.Hex(), "seeders", seeders, "leechers", leechers)
		}
		if h.checker == nil {
			continue
		}
		s, l, err := h.checker.CheckHealth(ctx, a.ih, force)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := h.reg.UpdateHealth(a.ih, s, l); err != nil && !errors.Is(err, ErrUnknownInfohash) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
