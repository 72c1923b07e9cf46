package httpmw

import (
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/windowgate/internal/log"
)

// WithLogger stores a request-scoped logger in the context. Only values this
// server derived itself are attached, never raw client input such as query
// strings or user agents. Runs after ClientIP so client.address is the same
// key the limiter counts against.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			reqID := RequestIDFromContext(ctx)
			scheme := requestScheme(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one "http request" line per request once the handler
// returns, using the logger WithLogger stored. Rate-limited responses are
// marked with ratelimit.denied and the Retry-After the client was given.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newRecorder(w, r, start)

			next.ServeHTTP(rw, r)
			rw.closeSpan()

			if quietPath(r.URL.Path) {
				return
			}

			route := RoutePattern(r)
			if route == "" {
				route = r.URL.Path
			}
			status := rw.statusCode()
			fields := []any{
				"http.route", route,
				"http.response.status_code", status,
				"http.response.body.size", rw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.server.request.duration", time.Since(start).Seconds(),
			}
			if status == http.StatusTooManyRequests {
				fields = append(fields,
					"ratelimit.denied", true,
					"ratelimit.retry_after", rw.Header().Get("Retry-After"),
				)
			}
			log.FromContext(r.Context()).Info(r.Context(), "http request", fields...)
		})
	}
}

// Scope tags the request logger and span with the handler name, e.g. so
// limiter denials on /protected are easy to filter.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			L := log.FromContext(ctx).With("handler", handler)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// quietPath skips probes, and asset requests which this server never serves
// but scanners send anyway.
func quietPath(p string) bool {
	if p == "/-/ready" || p == "/-/healthy" {
		return true
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return true
	}
	return false
}

// requestScheme is always "http" or "https". X-Forwarded-Proto only counts
// when it names one of those two, and ClientIP strips it from untrusted peers.
func requestScheme(r *http.Request) string {
	candidates := []string{}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		candidates = append(candidates, first)
	}
	if r.URL != nil {
		candidates = append(candidates, r.URL.Scheme)
	}
	for _, c := range candidates {
		switch s := strings.ToLower(strings.TrimSpace(c)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
