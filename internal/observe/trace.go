package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span chatrelay starts.
const tracerName = "github.com/CleanExpo/Chrome-n8n-Extention-sub001"

// Tracer returns the relay tracer from the global [trace.TracerProvider].
// It is looked up on every call, so a provider installed after startup
// takes effect.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a child of the span in ctx, or a new root when there is
// none. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
//
// The trace ID doubles as the X-Correlation-ID response header, so a UI
// report can be matched to spans and log lines.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// requestIDKey is unexported so only this package can set the value.
type requestIDKey struct{}

// WithRequestID stores a router request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored by [WithRequestID], or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger returns the default [slog.Logger] enriched with the request ID and
// the trace_id and span_id of the active span, when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	// The request ID exists before the router span does, so it is added
	// independently of the trace fields.
	if id := RequestID(ctx); id != "" {
		l = l.With(slog.String("request_id", id))
	}
	// Without an active span the logger carries no trace fields at all,
	// rather than zero IDs.
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
