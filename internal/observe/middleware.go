package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace id back to the client.
const CorrelationHeader = "X-Correlation-ID"

// HTTPOption configures [Middleware].
type HTTPOption func(*httpObserver)

// WithQuietRoutes logs requests matching the given mux patterns at debug
// level. Use it for health and scrape endpoints.
func WithQuietRoutes(patterns ...string) HTTPOption {
	return func(o *httpObserver) {
		for _, p := range patterns {
			o.quiet[p] = true
		}
	}
}

// Middleware traces, times and logs every request. Spans continue a W3C
// traceparent when the client sends one. Metrics and span names use the
// matched mux pattern so ids in paths do not inflate cardinality.
func Middleware(m *Metrics, opts ...HTTPOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		o := &httpObserver{
			next:    next,
			metrics: m,
			prop:    propagation.TraceContext{},
			quiet:   make(map[string]bool),
		}
		for _, opt := range opts {
			opt(o)
		}
		return o
	}
}

type httpObserver struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
	quiet   map[string]bool
}

func (o *httpObserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := o.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	w.Header().Set(CorrelationHeader, cid)
	o.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	r = r.WithContext(ctx)
	o.next.ServeHTTP(rw, r)

	elapsed := time.Since(start)
	rt := route(r)

	if r.Pattern != "" {
		span.SetName(r.Pattern)
		span.SetAttributes(semconv.HTTPRoute(r.Pattern))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))
	if rw.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rw.status))
	}

	o.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", rt),
		),
	)

	level := slog.LevelInfo
	switch {
	case rw.status >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case o.quiet[r.Pattern]:
		level = slog.LevelDebug
	}
	msg := "request completed"
	if rw.hijacked {
		msg = "stream closed"
	}
	Logger(ctx).LogAttrs(ctx, level, msg,
		slog.String("method", r.Method),
		slog.String("route", rt),
		slog.Int("status", rw.status),
		slog.Int64("bytes", rw.written),
		slog.Duration("duration", elapsed),
	)
}

// route returns the matched mux pattern, or the raw path when nothing
// matched.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

// responseWriter records what the handler sent.
type responseWriter struct {
	http.ResponseWriter
	status   int
	written  int64
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to websocket upgrades. The request is then
// reported with status 101.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", w.ResponseWriter)
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.hijacked = true
	}
	return conn, buf, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
