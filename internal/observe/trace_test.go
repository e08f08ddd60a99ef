package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs routes the default logger into a buffer for one test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "request")
		cid := CorrelationID(ctx)
		span.End()

		if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "router.process")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan context has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "router.process" {
		t.Fatalf("recorded spans = %v, want one router.process", spans)
	}
	if Tracer() == nil {
		t.Fatal("Tracer() = nil")
	}
}

func TestLogger_Fields(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	tests := []struct {
		name      string
		requestID string
		span      bool
		want      []string
		wantNot   []string
	}{
		{name: "bare", wantNot: []string{"request_id", "trace_id", "span_id"}},
		{name: "request id only", requestID: "req-42", want: []string{"request_id=req-42"}, wantNot: []string{"trace_id"}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, wantNot: []string{"request_id"}},
		{name: "both", requestID: "req-7", span: true, want: []string{"request_id=req-7", "trace_id=", "span_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.requestID != "" {
				ctx = WithRequestID(ctx, tt.requestID)
			}
			if tt.span {
				c, s := tp.Tracer("test").Start(ctx, "log")
				defer s.End()
				ctx = c
			}
			if got := RequestID(ctx); got != tt.requestID {
				t.Errorf("RequestID = %q, want %q", got, tt.requestID)
			}

			Logger(ctx).Info("routed")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("log output has unexpected %q: %s", w, out)
				}
			}
		})
	}
}
