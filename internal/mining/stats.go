package mining

import (
	"context"
	"log/slog"

	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/observability"
)

// Statistics logs per-transfer counters and refreshes the candidate gauges.
type Statistics struct {
	reg     *Registry
	engine  engine.Engine
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStatistics returns a statistics reporter.
func NewStatistics(reg *Registry, eng engine.Engine, metrics *observability.Metrics, logger *slog.Logger) *Statistics {
	return &Statistics{
		reg:     reg,
		engine:  eng,
		metrics: metrics,
		logger:  logger.With("component", "statistics"),
	}
}

// Report runs one pass.
func (s *Statistics) Report(ctx context.Context) error {
	counts := s.reg.Counts()
	for _, st := range Statuses() {
		s.metrics.Candidates.WithLabelValues(st.String()).Set(float64(counts[st]))
	}

	var totalUp, totalDown int64
	active := s.reg.active()
	for _, a := range active {
		st, err := s.engine.Status(a.h)
		if err != nil {
			continue
		}
		totalUp += st.BytesUp
		totalDown += st.BytesDown
		ratio := 0.0
		if st.BytesDown > 0 {
			ratio = float64(st.BytesUp) / float64(st.BytesDown)
		}
		s.logger.DebugContext(ctx, "transfer statistics",
			"infohash", a.ih.Hex(),
			"progress", st.Progress,
			"priority", st.Priority,
			"up", st.BytesUp,
			"down", st.BytesDown,
			"ratio", ratio,
			"peers", st.NumPeers,
		)
	}
	s.logger.InfoContext(ctx, "mining statistics",
		"candidates", s.reg.Len(),
		"active", len(active),
		"admitting", counts[StatusAdmitting],
		"duplicates", counts[StatusDuplicate],
		"up", totalUp,
		"down", totalDown,
	)
	return nil
}
