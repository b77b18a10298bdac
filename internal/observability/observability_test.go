package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newTestObservability(t *testing.T) *Observability {
	t.Helper()
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:       "error",
		LogFormat:      "json",
		ServiceName:    "creditmine-test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return obs
}

// --- Shutdown ---

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}
	for i := 1; i <= 3; i++ {
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Fatalf("expected LIFO [3 2 1], got %v", order)
	}
}

func TestShutdownCoordinatorRunsAllOnError(t *testing.T) {
	var ran int
	sc := &ShutdownCoordinator{}
	sc.Register("engine", func(context.Context) error { ran++; return nil })
	sc.Register("resume-store", func(context.Context) error { ran++; return errors.New("flush failed") })
	sc.Register("sources", func(context.Context) error { ran++; return nil })

	err := sc.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "resume-store") {
		t.Fatalf("expected error naming resume-store, got %v", err)
	}
	if ran != 3 {
		t.Fatalf("expected all handlers to run, ran %d", ran)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	var ran int
	sc := &ShutdownCoordinator{}
	sc.Register("mining", func(context.Context) error { ran++; return errors.New("stuck") })

	first := sc.Shutdown(context.Background())
	second := sc.Shutdown(context.Background())
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	if first == nil || second == nil || first.Error() != second.Error() {
		t.Fatalf("repeat shutdown should return the first result, got %v then %v", first, second)
	}

	sc.Register("late", func(context.Context) error { ran++; return nil })
	_ = sc.Shutdown(context.Background())
	if ran != 1 {
		t.Fatal("handler registered after shutdown must not run")
	}
}

func TestShutdownCoordinatorJoinsErrors(t *testing.T) {
	errStore := errors.New("store")
	sc := &ShutdownCoordinator{}
	sc.Register("resume-store", func(context.Context) error { return errStore })
	sc.Register("probe", func(context.Context) error { return errors.New("probe") })
	if err := sc.Shutdown(context.Background()); !errors.Is(err, errStore) {
		t.Fatalf("Shutdown() = %v, want it to wrap the store error", err)
	}
}

// --- Metrics ---

func TestNewMetricsRegistersMiningMeters(t *testing.T) {
	m := NewMetrics()
	m.Candidates.WithLabelValues("active").Set(2)
	m.TransfersStopped.WithLabelValues("by policy").Inc()
	m.ProbeOutcomes.WithLabelValues("admitted").Inc()
	m.BytesTransferred.WithLabelValues("up").Add(10)
	m.OperationTotal.WithLabelValues("select", "ok").Inc()
	m.OperationDuration.WithLabelValues("select", "ok").Observe(0.1)
	m.ErrorsTotal.WithLabelValues("select", "panic").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"creditmine_operation_duration_seconds",
		"creditmine_operation_total",
		"creditmine_errors_total",
		"creditmine_candidates",
		"creditmine_probes_running",
		"creditmine_probes_deferred",
		"creditmine_probe_outcomes_total",
		"creditmine_admission_overload_total",
		"creditmine_transfers_started_total",
		"creditmine_transfers_stopped_total",
		"creditmine_persistence_failures_total",
		"creditmine_stalled_transfers",
		"creditmine_mining_priority",
		"creditmine_bytes_transferred_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
	if got := testutil.ToFloat64(m.Candidates.WithLabelValues("active")); got != 2 {
		t.Fatalf("candidates{active} = %v, want 2", got)
	}
}

// --- Logging ---

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)
	logger.Info("candidate registered", "infohash", "deadbeef")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "candidate registered" || entry["infohash"] != "deadbeef" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupLoggerText(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger("info", "text", &buf)
	slog.Info("testmsg")

	out := strings.TrimSpace(buf.String())
	if !strings.Contains(out, "testmsg") {
		t.Fatalf("expected testmsg in output: %s", out)
	}
	var m map[string]any
	if json.Unmarshal([]byte(out), &m) == nil {
		t.Fatal("text format produced JSON")
	}
}

func TestSetupLoggerAutoOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "auto", &buf)
	logger.Info("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("auto on a non-terminal should be JSON: %v\nraw: %s", err, buf.String())
	}
}

func TestDetectFormat(t *testing.T) {
	if got := detectFormat(&bytes.Buffer{}); got != "json" {
		t.Fatalf("buffer: got %q", got)
	}
	f, err := os.CreateTemp(t.TempDir(), "log")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := detectFormat(f); got != "json" {
		t.Fatalf("regular file: got %q", got)
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		logAt slog.Level
		shown bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
		{"bogus", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)
			logger.Log(context.Background(), tt.logAt, "test")
			if got := buf.Len() > 0; got != tt.shown {
				t.Fatalf("visible = %v, want %v", got, tt.shown)
			}
		})
	}
}

func TestPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "balancer")}))
	logger.Warn("priority reduced", "priority", 1)

	out := buf.String()
	for _, want := range []string{"WRN", "priority reduced", "component=balancer", "priority=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestPrettyHandlerGroupQualifiesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil)).WithGroup("probe").With("id", "p1")
	logger.Info("launched", "pieces", 4)

	out := buf.String()
	if !strings.Contains(out, "probe.id=p1") || !strings.Contains(out, "probe.pieces=4") {
		t.Fatalf("expected group-qualified keys: %s", out)
	}
}

func TestPrettyHandlerDefaultLevel(t *testing.T) {
	h := NewPrettyHandler(io.Discard, nil)
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled by default")
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be enabled by default")
	}
}

func TestColorLevel(t *testing.T) {
	for level, want := range map[slog.Level]string{
		slog.LevelDebug: "DBG",
		slog.LevelInfo:  "INF",
		slog.LevelWarn:  "WRN",
		slog.LevelError: "ERR",
	} {
		got := colorLevel(level)
		if !strings.Contains(got, want) || !strings.Contains(got, "\033[") {
			t.Fatalf("colorLevel(%v) = %q", level, got)
		}
	}
}

func TestTraceHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraceHandler{Handler: slog.NewJSONHandler(&buf, nil)}

	traceID, _ := trace.TraceIDFromHex("00000000000000000000000000000001")
	spanID, _ := trace.SpanIDFromHex("0000000000000001")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	child := h.WithAttrs([]slog.Attr{slog.String("a", "b")})
	if _, ok := child.(*TraceHandler); !ok {
		t.Fatalf("WithAttrs returned %T", child)
	}
	if _, ok := h.WithGroup("g").(*TraceHandler); !ok {
		t.Fatal("WithGroup should keep the trace wrapper")
	}
	slog.New(child).InfoContext(ctx, "traced")

	out := buf.String()
	for _, want := range []string{"trace_id", "span_id", `"a":"b"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

// --- Operation ---

func TestStartOperationRecordsOutcome(t *testing.T) {
	m := NewMetrics()

	op, ctx := StartOperation(context.Background(), m, "start_transfer", attribute.String("infohash", "ab"))
	if ctx == nil {
		t.Fatal("nil context")
	}
	op.End(nil)

	op, _ = StartOperation(context.Background(), m, "start_transfer")
	op.End(errors.New("engine refused"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("start_transfer", "ok")); got != 1 {
		t.Fatalf("ok = %v", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("start_transfer", "error")); got != 1 {
		t.Fatalf("error = %v", got)
	}
	if n := testutil.CollectAndCount(m.OperationDuration); n != 2 {
		t.Fatalf("duration series = %d, want 2", n)
	}
}

func TestStartTaskLogsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	op, _ := StartTask(context.Background(), nil, logger, "rebalance")
	op.End(nil)
	if buf.Len() != 0 {
		t.Fatalf("successful task run should not log at info: %s", buf.String())
	}

	op, _ = StartTask(context.Background(), nil, logger, "rebalance")
	op.End(errors.New("boom"))
	if !strings.Contains(buf.String(), "operation failed") || !strings.Contains(buf.String(), `"operation":"rebalance"`) {
		t.Fatalf("failure should log at error: %s", buf.String())
	}
}

// --- Span ---

func TestSpans(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "probe", attribute.Int("pieces", 4), InfohashAttr("00112233445566778899aabbccddeeff00112233"))
	if ctx == nil {
		t.Fatal("nil context")
	}
	EndSpan(span, nil)
	_, span = StartSpan(context.Background(), "probe")
	EndSpan(span, errors.New("timeout"))
}

// --- Tracer ---

func TestInitTracer(t *testing.T) {
	for _, tc := range []struct{ protocol, endpoint string }{
		{"http", "localhost:4318"},
		{"grpc", "localhost:4317"},
	} {
		t.Run(tc.protocol, func(t *testing.T) {
			tp, sdkTP, err := InitTracer(context.Background(), TracerConfig{
				Endpoint:       tc.endpoint,
				Protocol:       tc.protocol,
				ServiceName:    "creditmine-test",
				ServiceVersion: "0.0.1",
			})
			if err != nil {
				t.Fatalf("init: %v", err)
			}
			if tp == nil || sdkTP == nil {
				t.Fatal("nil providers")
			}
			_ = sdkTP.Shutdown(context.Background())
		})
	}
}

func TestInitTracerUnknownProtocol(t *testing.T) {
	if _, _, err := InitTracer(context.Background(), TracerConfig{Endpoint: "localhost:1", Protocol: "udp"}); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestTracerSampler(t *testing.T) {
	for _, tc := range []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	} {
		got := TracerConfig{SampleRatio: tc.ratio}.sampler().Description()
		if !strings.Contains(got, tc.want) {
			t.Errorf("sampler(%v) = %q, want it to mention %q", tc.ratio, got, tc.want)
		}
	}
}

// --- Observability ---

func TestNewWithoutOTLPUsesNoopTracer(t *testing.T) {
	obs := newTestObservability(t)
	if obs.Logger == nil || obs.Metrics == nil {
		t.Fatal("logger and metrics must be set")
	}
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestNewWithOTLP(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:       "debug",
		LogFormat:      "text",
		OTLPEndpoint:   "localhost:4318",
		OTLPProtocol:   "http",
		ServiceName:    "creditmine-test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs.sdkTP == nil {
		t.Fatal("sdk tracer provider should be set when OTLP is enabled")
	}
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCloseRunsHandlers(t *testing.T) {
	obs := newTestObservability(t)
	var called bool
	obs.Shutdown.Register("manager", func(context.Context) error {
		called = true
		return nil
	})
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}

	obs = newTestObservability(t)
	obs.Shutdown.Register("fail", func(context.Context) error { return errors.New("nope") })
	if err := obs.Close(context.Background()); err == nil {
		t.Fatal("expected error from Close")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var lastErr error
	for range 20 {
		resp, err := http.Get(url)
		if err != nil {
			lastErr = err
			time.Sleep(25 * time.Millisecond)
			continue
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	t.Fatalf("GET %s: %v", url, lastErr)
	return 0, ""
}

func TestServeMetricsEndpoints(t *testing.T) {
	obs := newTestObservability(t)
	addr := freeAddr(t)
	obs.ServeMetrics(context.Background(), addr, nil)
	t.Cleanup(func() { _ = obs.Close(context.Background()) })

	if code, body := get(t, "http://"+addr+"/health"); code != http.StatusOK || body != "OK" {
		t.Fatalf("health = %d %q", code, body)
	}
	obs.Metrics.TransfersStarted.Inc()
	if code, body := get(t, "http://"+addr+"/metrics"); code != http.StatusOK || !strings.Contains(body, "creditmine_transfers_started_total 1") {
		t.Fatalf("metrics = %d\n%s", code, body)
	}
}

func TestServeMetricsUnhealthy(t *testing.T) {
	obs := newTestObservability(t)
	addr := freeAddr(t)
	obs.ServeMetrics(context.Background(), addr, func() error { return errors.New("engine closed") })
	t.Cleanup(func() { _ = obs.Close(context.Background()) })

	code, body := get(t, "http://"+addr+"/health")
	if code != http.StatusServiceUnavailable || body != "engine closed" {
		t.Fatalf("health = %d %q", code, body)
	}
}
