package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// httpHarness serves a mux through the middleware with in-memory telemetry.
type httpHarness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newHTTPHarness(t *testing.T, mux *http.ServeMux, opts ...HTTPOption) *httpHarness {
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
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	return &httpHarness{handler: Middleware(m, opts...)(mux), reader: reader, spans: exp}
}

func (h *httpHarness) get(path string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *httpHarness) durations(t *testing.T) metricdata.Histogram[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "eburon.http.request.duration")
	if met == nil {
		t.Fatal("request duration not recorded")
	}
	return met.Data.(metricdata.Histogram[float64])
}

func listingsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/listings/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"102"}`))
	})
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return mux
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h := newHTTPHarness(t, listingsMux())
	h.get("/v1/listings/102")

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /v1/listings/{id}" {
		t.Errorf("span name = %q", s.Name)
	}
	attrs := map[string]any{}
	for _, kv := range s.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["http.route"] != "GET /v1/listings/{id}" || attrs["http.response.status_code"] != int64(200) {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestMiddleware_UnmatchedKeepsPath(t *testing.T) {
	h := newHTTPHarness(t, listingsMux())
	if rec := h.get("/nowhere"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := h.spans.GetSpans()[0].Name; got != "GET /nowhere" {
		t.Errorf("span name = %q", got)
	}
	dp := h.durations(t).DataPoints[0]
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/nowhere" {
		t.Errorf("path = %q", v.AsString())
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	h := newHTTPHarness(t, listingsMux())
	h.get("/v1/session")

	if st := h.spans.GetSpans()[0].Status; st.Code != codes.Error {
		t.Errorf("span status = %+v, want error", st)
	}
}

func TestMiddleware_DurationsPerRoute(t *testing.T) {
	h := newHTTPHarness(t, listingsMux())
	for _, id := range []string{"102", "122", "130"} {
		h.get("/v1/listings/" + id)
	}

	hist := h.durations(t)
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method = %q", v.AsString())
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h := newHTTPHarness(t, listingsMux())

	fresh := h.get("/v1/listings/102")
	if got := fresh.Header().Get(CorrelationHeader); len(got) != 32 {
		t.Errorf("generated correlation id = %q", got)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	cont := h.get("/v1/listings/102", "traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	if got := cont.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("continued correlation id = %q, want %q", got, traceID)
	}
	if tp := cont.Header().Get("traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("traceparent = %q", tp)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := newHTTPHarness(t, listingsMux(), WithQuietRoutes("GET /healthz"))
	h.get("/healthz")
	h.get("/v1/listings/102")
	h.get("/v1/session")

	out := buf.String()
	if strings.Contains(out, "GET /healthz") {
		t.Error("quiet route logged at info")
	}
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "bytes=12") {
		t.Errorf("listing request not logged with size:\n%s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=502") {
		t.Errorf("server error not logged as warning:\n%s", out)
	}
}

func TestMiddleware_PassesThroughFlusher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Error("wrapped writer is not a Flusher")
			return
		}
		f.Flush()
	})
	h := newHTTPHarness(t, mux)
	if rec := h.get("/v1/events"); !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestMiddleware_HijackUnsupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, _ *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
			t.Error("expected hijack error from a recorder")
		}
	})
	h := newHTTPHarness(t, mux)
	if rec := h.get("/v1/events"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
