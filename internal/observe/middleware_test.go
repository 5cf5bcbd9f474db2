package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTelemetry swaps in an inspectable meter and tracer for one test.
func newTelemetry(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

	return m, reader, exp
}

// serve pushes one request through the wrapped handler and returns the
// recorder.
func serve(mw func(http.Handler) http.Handler, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestMiddleware_CorrelationIDHeader(t *testing.T) {
	m, _, _ := newTelemetry(t)

	var inHandler string
	rec := serve(Middleware(m), func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/ws", nil))

	if len(inHandler) != 32 {
		t.Fatalf("handler saw correlation ID %q, want a 32-hex trace ID", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q (same trace as the handler)", got, inHandler)
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	m, _, _ := newTelemetry(t)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")

	rec := serve(Middleware(m), okHandler, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want the caller's trace ID %q", got, upstream)
	}
}

func TestMiddleware_SpanNameAndStatus(t *testing.T) {
	m, _, exp := newTelemetry(t)

	serve(Middleware(m), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, httptest.NewRequest("GET", "/missing", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /missing" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	m, reader, _ := newTelemetry(t)

	serve(Middleware(m), okHandler, httptest.NewRequest("GET", "/metrics", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	md := findMetric(rm, "viva.http.request.duration")
	if md == nil {
		t.Fatal("viva.http.request.duration not recorded")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected histogram shape: %+v", md.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	method, _ := dp.Attributes.Value("method")
	path, _ := dp.Attributes.Value("path")
	if method.AsString() != "GET" || path.AsString() != "/metrics" {
		t.Errorf("attributes = method %q path %q", method.AsString(), path.AsString())
	}
}

func TestMiddleware_TagsActiveSession(t *testing.T) {
	m, _, exp := newTelemetry(t)

	active := false
	mw := Middleware(m, WithSessionID(func() (string, bool) {
		return "sess-7", active
	}))

	// No session running: the span carries no session attribute.
	serve(mw, okHandler, httptest.NewRequest("GET", "/healthz", nil))
	for _, a := range exp.GetSpans()[0].Attributes {
		if string(a.Key) == "viva.session_id" {
			t.Fatalf("idle request tagged with session %q", a.Value.AsString())
		}
	}
	exp.Reset()

	active = true
	serve(mw, okHandler, httptest.NewRequest("GET", "/healthz", nil))
	var got string
	for _, a := range exp.GetSpans()[0].Attributes {
		if string(a.Key) == "viva.session_id" {
			got = a.Value.AsString()
		}
	}
	if got != "sess-7" {
		t.Errorf("viva.session_id = %q, want sess-7", got)
	}
}

func TestMiddleware_PassesStatusThrough(t *testing.T) {
	m, _, _ := newTelemetry(t)

	rec := serve(Middleware(m), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}, httptest.NewRequest("GET", "/teapot", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("client saw %d, want 418", rec.Code)
	}
}
