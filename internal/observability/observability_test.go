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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// --- Shutdown Coordinator ---

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
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorEmpty(t *testing.T) {
	sc := &ShutdownCoordinator{}
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	sc.Register("first", func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	sc.Register("bad", func(ctx context.Context) error {
		order = append(order, 2)
		return errors.New("fail")
	})
	sc.Register("third", func(ctx context.Context) error {
		order = append(order, 3)
		return nil
	})

	err := sc.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error should mention 'bad': %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected all 3 handlers to run, got %v", order)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	calls := 0
	sc := &ShutdownCoordinator{}
	sc.Register("counter", func(ctx context.Context) error {
		calls++
		return nil
	})

	_ = sc.Shutdown(context.Background())
	_ = sc.Shutdown(context.Background())
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

// --- Metrics ---

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatal("registry is nil")
	}

	m.RequestsTotal.WithLabelValues("200").Inc()
	m.QueueDepth.WithLabelValues("0").Set(3)
	m.ConnectionsOpen.Inc()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("200")); got != 1 {
		t.Fatalf("expected requests 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("0")); got != 3 {
		t.Fatalf("expected queue depth 3, got %f", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"luahttp_requests_total", "luahttp_script_queue_depth", "luahttp_connections_open"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

// --- Logging ---

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)

	logger.Info("hello", "key", "val")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Fatalf("expected msg=hello, got %v", entry["msg"])
	}
	if entry["key"] != "val" {
		t.Fatalf("expected key=val, got %v", entry["key"])
	}
}

func TestSetupLoggerTextNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "text", &buf)

	logger.Info("plain", "k", "v")

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("expected no color codes for non-terminal writer: %q", out)
	}
	if !strings.Contains(out, "msg=plain") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Fatal("buffer is not a terminal")
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	h := NewPrettyHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatal("warn should be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestPrettyHandlerEnabledNilLevel(t *testing.T) {
	h := NewPrettyHandler(io.Discard, &slog.HandlerOptions{})
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled by default")
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be enabled by default")
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.Info("hello world", "foo", "bar")

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Fatalf("missing message in output: %s", out)
	}
	if !strings.Contains(out, "foo=bar") {
		t.Fatalf("missing attr in output: %s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("expected trailing newline: %q", out)
	}
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("key1", "val1")}))
	logger.Info("test")

	if !strings.Contains(buf.String(), "key1=val1") {
		t.Fatalf("expected pre-set attr in output: %s", buf.String())
	}
}

func TestPrettyHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(h.WithGroup("req"))
	logger.Info("test", "id", "abc")

	if !strings.Contains(buf.String(), "req.id=abc") {
		t.Fatalf("expected grouped attr in output: %s", buf.String())
	}
}

func TestColorLevel(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelError, "ERR"},
		{slog.LevelWarn, "WRN"},
		{slog.LevelInfo, "INF"},
		{slog.LevelDebug, "DBG"},
	}
	for _, tt := range tests {
		if got := colorLevel(tt.level); !strings.Contains(got, tt.want) {
			t.Errorf("colorLevel(%v) = %q, want it to contain %q", tt.level, got, tt.want)
		}
	}
}

func TestTraceHandlerHandleWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	h := &TraceHandler{Handler: slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})}

	traceID, _ := trace.TraceIDFromHex("00000000000000000000000000000001")
	spanID, _ := trace.SpanIDFromHex("0000000000000001")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	slog.New(h).InfoContext(ctx, "traced message")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"00000000000000000000000000000001"`) {
		t.Fatalf("expected trace_id in output: %s", out)
	}
	if !strings.Contains(out, `"span_id":"0000000000000001"`) {
		t.Fatalf("expected span_id in output: %s", out)
	}
}

func TestTraceHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraceHandler{Handler: slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})}

	h2 := h.WithAttrs([]slog.Attr{slog.String("a", "b")})
	if _, ok := h2.(*TraceHandler); !ok {
		t.Fatalf("expected *TraceHandler, got %T", h2)
	}

	slog.New(h2).Info("test")
	if !strings.Contains(buf.String(), `"a":"b"`) {
		t.Fatalf("expected attr in output: %s", buf.String())
	}
}

// --- Operation ---

func TestStartOperationEnd(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "test_op")
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test_op", "ok")); got != 1 {
		t.Fatalf("expected 1 ok operation, got %f", got)
	}
}

func TestStartOperationEndError(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "fail_op", attribute.String("k", "v"))
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fail_op", "error")); got != 1 {
		t.Fatalf("expected 1 error operation, got %f", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fail_op", "ok")); got != 0 {
		t.Fatalf("expected 0 ok operations, got %f", got)
	}
}

func TestStartOperationNilMetrics(t *testing.T) {
	op, ctx := StartOperation(context.Background(), nil, "no_metrics")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	op.End(nil)
}

// --- Observability ---

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:       "info",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Logger == nil {
		t.Fatal("logger is nil")
	}
	if obs.Metrics == nil {
		t.Fatal("metrics is nil")
	}

	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestInitTracerUnknownProtocol(t *testing.T) {
	_, err := InitTracer(context.Background(), TracerConfig{
		Endpoint: "localhost:4318",
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestObservabilityClose(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var called bool
	obs.Shutdown.Register("test-close", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected shutdown handler to be called")
	}
}

func TestServeMetricsEndpoints(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := obs.ServeMetrics(context.Background(), addr); err != nil {
		t.Fatalf("serve metrics: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(context.Background()) })

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("health: got %d %q", resp.StatusCode, body)
	}

	resp, err = client.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServeMetricsAddrInUse(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if _, err := obs.ServeMetrics(context.Background(), ln.Addr().String()); err == nil {
		t.Fatal("expected error when address is in use")
	}
}

// --- Span ---

func TestEndSpanWithError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "failing", attribute.String("k", "v"))
	EndSpan(span, errors.New("boom"))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name() != "failing" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Description != "boom" {
		t.Fatalf("span status = %+v", spans[0].Status())
	}
}

// --- HTTP instrumentation ---

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	m := NewMetrics()
	h := InstrumentHandler(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("418")); got != 1 {
		t.Fatalf("expected 1 request with status 418, got %f", got)
	}
	if got := testutil.ToFloat64(m.BytesProcessed.WithLabelValues("out")); got != float64(len("short and stout")) {
		t.Fatalf("bytes out = %f", got)
	}
}

func TestInstrumentHandlerImplicitOK(t *testing.T) {
	m := NewMetrics()
	h := InstrumentHandler(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("200")); got != 1 {
		t.Fatalf("expected implicit 200, got %f", got)
	}
}

func TestInstrumentHandlerPropagatesTraceContext(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var inner trace.SpanContext
	h := InstrumentHandler(NewMetrics(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := inner.TraceID().String(); got != "0af7651916cd43dd8448eb211c80319c" {
		t.Fatalf("trace id = %s, want propagated id", got)
	}
	if len(sr.Ended()) != 1 || sr.Ended()[0].SpanKind() != trace.SpanKindServer {
		t.Fatalf("expected one server span, got %d", len(sr.Ended()))
	}
}
