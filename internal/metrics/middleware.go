package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

// unmatchedRoute labels requests no route matched, raw paths would be unbounded
const unmatchedRoute = "unmatched"

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records request count, latency and response size by route
// pattern. It must run outside the router and inside httpmw.RouteContext,
// otherwise every request is counted as unmatched.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.http.inflight.Inc()
		defer m.http.inflight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		status := cw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := httpmw.RoutePattern(r)
		if route == "" {
			route = unmatchedRoute
		}
		m.observe(r.Context(), r.Method, route, status, cw.bytes, time.Since(start))
	})
}

func (m *ServerMetrics) observe(ctx context.Context, method, route string, status, size int, took time.Duration) {
	m.http.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.http.errors.WithLabelValues(method, route).Inc()
	}

	lat := m.http.latency.WithLabelValues(method, route)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := lat.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(took.Seconds(), ex)
		} else {
			lat.Observe(took.Seconds())
		}
	} else {
		lat.Observe(took.Seconds())
	}
	m.http.respBytes.WithLabelValues(method, route).Observe(float64(size))
}

// traceExemplar links the latency sample to the request's trace when sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
