package mining

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
)

// Multipliers maps the aggressiveness level to how hard mining yields to
// user transfers.
var Multipliers = [...]float64{0, 0.2, 0.6, 1, 1.5, 3}

// DefaultAggressiveness indexes Multipliers.
const DefaultAggressiveness = 3

// MiningPriority returns the priority for each of n mining transfers given
// the summed mining and user priorities. Mining yields only when user
// transfers weigh at least as much as mining ones; otherwise ok is false and
// priorities stay as they are.
func MiningPriority(pMine, pUser, n int, multiplier float64) (prio int, ok bool) {
	if n == 0 || pUser < pMine {
		return 0, false
	}
	total := float64(pMine) - multiplier*float64(pUser-pMine)
	return max(int(math.Round(total/float64(n))), 1), true
}

// Balancer throttles mining transfers relative to user transfers sharing the
// main engine.
type Balancer struct {
	reg        *Registry
	engine     engine.Engine
	multiplier float64
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewBalancer returns a balancer at the given aggressiveness level.
func NewBalancer(reg *Registry, eng engine.Engine, aggressiveness int, metrics *observability.Metrics, logger *slog.Logger) (*Balancer, error) {
	if aggressiveness < 0 || aggressiveness >= len(Multipliers) {
		return nil, fmt.Errorf("aggressiveness %d out of range [0,%d]", aggressiveness, len(Multipliers)-1)
	}
	return &Balancer{
		reg:        reg,
		engine:     eng,
		multiplier: Multipliers[aggressiveness],
		metrics:    metrics,
		logger:     logger.With("component", "balancer"),
	}, nil
}

// Rebalance sums priorities on the main engine and, when user transfers
// outweigh mining, lowers every mining transfer to the same priority.
func (b *Balancer) Rebalance(ctx context.Context) error {
	var pMine, pUser int
	var mine []engine.Handle
	var current []int
	for _, h := range b.engine.Transfers() {
		st, err := b.engine.Status(h)
		if err != nil {
			continue
		}
		if b.reg.owns(h.InfoHash()) {
			pMine += st.Priority
			mine = append(mine, h)
			current = append(current, st.Priority)
		} else if !st.Paused {
			pUser += st.Priority
		}
	}

	prio, ok := MiningPriority(pMine, pUser, len(mine), b.multiplier)
	if !ok {
		return nil
	}
	changed := 0
	for i, h := range mine {
		if current[i] == prio {
			continue
		}
		if err := b.engine.SetPriority(h, prio); err != nil {
			b.logger.Debug("set priority", "infohash", h.InfoHash().Hex(), "error", err)
			continue
		}
		changed++
	}
	b.metrics.MiningPriority.Set(float64(prio))
	if changed > 0 {
		b.logger.Info("mining priority adjusted",
			"priority", prio,
			"transfers", changed,
			"mining_total", pMine,
			"user_total", pUser,
		)
	}
	return nil
}
