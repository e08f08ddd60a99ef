package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// relayMux mirrors the route shapes the service mounts.
func relayMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/providers/{provider}/models", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("provider") == "mistral" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// testSetup wires a manual metric reader and an in-memory span exporter and
// installs the tracer provider globally for the duration of the test.
func testSetup(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return Middleware(m)(relayMux()), reader, exp
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "chatrelay.http.request.duration")
	if met == nil {
		t.Fatal("chatrelay.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := testSetup(t)

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
		if got := rec.Header().Get("X-Correlation-ID"); len(got) != 32 {
			t.Errorf("X-Correlation-ID = %q, want a 32 char trace ID", got)
		}
		if rec.Header().Get("traceparent") == "" {
			t.Error("traceparent not injected into the response")
		}
	})

	t.Run("incoming traceparent", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
		carrier := propagation.HeaderCarrier(rec.Header())
		if !strings.Contains(carrier.Get("traceparent"), traceID) {
			t.Errorf("response traceparent = %q, want trace %s", carrier.Get("traceparent"), traceID)
		}
	})
}

func TestMiddleware_Span(t *testing.T) {
	h, _, exp := testSetup(t)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/providers/mistral/models", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/providers/mistral/models" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_DurationUsesRoutePattern(t *testing.T) {
	h, reader, _ := testSetup(t)

	for _, p := range []string{"openai", "google", "anthropic"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/providers/"+p+"/models", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var routed, unrouted uint64
	for _, dp := range durationPoints(t, reader) {
		switch {
		case hasAttr(dp.Attributes, "path", "GET /v1/providers/{provider}/models") && hasAttr(dp.Attributes, "status", "200"):
			routed += dp.Count
			if !hasAttr(dp.Attributes, "method", "GET") {
				t.Errorf("method attribute missing: %v", dp.Attributes.ToSlice())
			}
		case hasAttr(dp.Attributes, "path", "/nowhere") && hasAttr(dp.Attributes, "status", "404"):
			unrouted += dp.Count
		default:
			t.Errorf("unexpected data point %v", dp.Attributes.ToSlice())
		}
	}
	if routed != 3 {
		t.Errorf("pattern samples = %d, want 3 grouped under one series", routed)
	}
	if unrouted != 1 {
		t.Errorf("unmatched samples = %d, want 1 keyed by raw path", unrouted)
	}
}

func TestMiddleware_WriterCapabilities(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	var hijacker, flusher bool
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, hijacker = w.(http.Hijacker)
		_, flusher = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ws", nil))

	if !hijacker {
		t.Error("wrapped writer does not implement http.Hijacker; WebSocket upgrades would fail")
	}
	if !flusher {
		t.Error("wrapped writer does not implement http.Flusher")
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	h, _, _ := testSetup(t)
	buf := captureLogs(t)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if strings.Contains(buf.String(), "request completed") {
		t.Errorf("/healthz logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if !strings.Contains(buf.String(), "path=/v1/messages") {
		t.Errorf("/v1/messages completion not logged: %s", buf.String())
	}
}
