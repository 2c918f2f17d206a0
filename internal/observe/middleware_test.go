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

// statusRoutes mirrors the routes of the local status server.
var statusRoutes = []string{"/healthz", "/readyz", "/metrics"}

type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newMiddlewareFixture wraps a handler answering with status behind
// Middleware, recording metrics and spans in memory.
func newMiddlewareFixture(t *testing.T, status int, seen func(r *http.Request)) *middlewareFixture {
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

	h := Middleware(m, statusRoutes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen(r)
		}
		w.WriteHeader(status)
	}))
	return &middlewareFixture{handler: h, reader: reader, spans: exp}
}

func (f *middlewareFixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// pathCounts returns the request-duration sample count per path attribute.
func (f *middlewareFixture) pathCounts(t *testing.T) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("parley.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		if method, _ := dp.Attributes.Value("method"); method.AsString() != http.MethodGet {
			t.Errorf("method attribute = %q", method.AsString())
		}
		v, _ := dp.Attributes.Value("path")
		counts[v.AsString()] += dp.Count
	}
	return counts
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name   string
		header http.Header
		want   string // empty: any generated 32-char ID
	}{
		{name: "generated"},
		{
			name:   "from traceparent",
			header: http.Header{"Traceparent": {"00-" + incoming + "-00f067aa0ba902b7-01"}},
			want:   incoming,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inHandler string
			f := newMiddlewareFixture(t, http.StatusOK, func(r *http.Request) {
				inHandler = CorrelationID(r.Context())
			})
			rec := f.get("/readyz", tt.header)

			if len(inHandler) != 32 {
				t.Fatalf("correlation ID %q, want 32 hex chars", inHandler)
			}
			if tt.want != "" && inHandler != tt.want {
				t.Errorf("correlation ID = %q, want %q", inHandler, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
				t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
			}
		})
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	f := newMiddlewareFixture(t, http.StatusServiceUnavailable, nil)
	if rec := f.get("/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("http.response.status_code = %d, want 503", status)
	}
}

func TestMiddleware_RecordsKnownRoutes(t *testing.T) {
	f := newMiddlewareFixture(t, http.StatusOK, nil)
	for _, p := range []string{"/healthz", "/healthz", "/metrics", "/wp-admin", "/.env"} {
		f.get(p, nil)
	}

	counts := f.pathCounts(t)
	want := map[string]uint64{"/healthz": 2, "/metrics": 1, otherPath: 2}
	if len(counts) != len(want) {
		t.Errorf("path counts = %v, want %v", counts, want)
	}
	for p, n := range want {
		if counts[p] != n {
			t.Errorf("count[%s] = %d, want %d", p, counts[p], n)
		}
	}
}

func TestMiddleware_NoRoutesRecordsVerbatim(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/anything", nil))

	f := &middlewareFixture{reader: reader}
	if counts := f.pathCounts(t); counts["/anything"] != 1 {
		t.Errorf("path counts = %v", counts)
	}
}
