package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation tracks one unit of work with a span, a duration metric and log
// lines. Periodic work logs at debug so ticks do not flood the output.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
	level   slog.Level
}

// StartOperation begins tracking an operation logged at info.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	return startOperation(ctx, m, slog.Default(), slog.LevelInfo, name, attrs...)
}

// StartTask begins tracking a periodic task run logged at debug with logger.
func StartTask(ctx context.Context, m *Metrics, logger *slog.Logger, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	return startOperation(ctx, m, logger, slog.LevelDebug, name, attrs...)
}

func startOperation(ctx context.Context, m *Metrics, logger *slog.Logger, level slog.Level, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	logger = logger.With("operation", name)
	logger.Log(ctx, level, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  logger,
		level:   level,
	}, ctx
}

// End finishes the operation, recording duration and status.
func (o *Operation) End(err error) {
	duration := time.Since(o.start).Seconds()
	status := "ok"
	if err != nil {
		status = "error"
		o.logger.ErrorContext(o.ctx, "operation failed", "error", err, "duration", duration)
	} else {
		o.logger.Log(o.ctx, o.level, "operation completed", "duration", duration)
	}

	EndSpan(o.span, err)
	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(duration)
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
}
