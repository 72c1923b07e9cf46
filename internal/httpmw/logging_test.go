package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/log"
)

func TestWithLogger_Fields(t *testing.T) {
	base := newMemLogger()
	var got log.Logger
	h := WithLogger(base)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = log.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected?token=secret", http.NoBody)
	req.RemoteAddr = "10.0.0.5:41000"
	req.Header.Set("User-Agent", "curl/8.0")
	ctx := WithRequestID(req.Context(), "req-1")
	ctx = WithClientIP(ctx, "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	ml, ok := got.(*memLogger)
	if !ok {
		t.Fatalf("request logger = %T", got)
	}
	want := map[string]any{
		"request_id":           "req-1",
		"client.address":       "198.51.100.7",
		"network.peer.address": "10.0.0.5",
		"http.request.method":  "GET",
		"url.path":             "/protected",
		"url.scheme":           "http",
	}
	for k, v := range want {
		if ml.fields[k] != v {
			t.Errorf("%s = %v, want %v", k, ml.fields[k], v)
		}
	}
	for _, v := range ml.fields {
		if s, _ := v.(string); strings.Contains(s, "secret") || strings.Contains(s, "curl") {
			t.Errorf("client-supplied value %q leaked into logger fields", s)
		}
	}
}

func TestWithLogger_ClientFallsBackToPeer(t *testing.T) {
	base := newMemLogger()
	var got *memLogger
	h := WithLogger(base)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = log.FromContext(r.Context()).(*memLogger)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.9"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.fields["client.address"] != "203.0.113.9" || got.fields["network.peer.address"] != "203.0.113.9" {
		t.Fatalf("fields = %v", got.fields)
	}
}

func serveLogged(t *testing.T, path string, h http.HandlerFunc) (*memLogger, *httptest.ResponseRecorder) {
	t.Helper()
	base := newMemLogger()
	r := chi.NewRouter()
	r.Use(WithLogger(base), AccessLog())
	r.Get("/protected", h)
	r.Get("/-/ready", h)
	r.Get("/app.js", h)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return base, rec
}

func TestAccessLog_Allowed(t *testing.T) {
	base, _ := serveLogged(t, "/protected", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Access granted to protected resource!"))
	})

	e, ok := base.last()
	if !ok || e.msg != "http request" {
		t.Fatalf("last entry = %+v", e)
	}
	if e.fields["http.route"] != "/protected" {
		t.Errorf("http.route = %v", e.fields["http.route"])
	}
	if e.fields["http.response.status_code"] != http.StatusOK {
		t.Errorf("status = %v", e.fields["http.response.status_code"])
	}
	if e.fields["http.response.body.size"] != int64(len("Access granted to protected resource!")) {
		t.Errorf("body size = %v", e.fields["http.response.body.size"])
	}
	if _, ok := e.fields["ratelimit.denied"]; ok {
		t.Error("allowed request marked as denied")
	}
	if _, ok := e.fields["http.server.request.duration"].(float64); !ok {
		t.Error("duration missing")
	}
}

func TestAccessLog_Denied(t *testing.T) {
	base, _ := serveLogged(t, "/protected", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	e, _ := base.last()
	if e.fields["ratelimit.denied"] != true {
		t.Errorf("ratelimit.denied = %v", e.fields["ratelimit.denied"])
	}
	if e.fields["ratelimit.retry_after"] != "42" {
		t.Errorf("ratelimit.retry_after = %v", e.fields["ratelimit.retry_after"])
	}
}

func TestAccessLog_QuietPaths(t *testing.T) {
	for _, p := range []string{"/-/ready", "/app.js"} {
		base, rec := serveLogged(t, p, func(w http.ResponseWriter, _ *http.Request) {})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", p, rec.Code)
		}
		if n := len(base.all()); n != 0 {
			t.Errorf("%s: %d log entries, want none", p, n)
		}
	}
}

func TestAccessLog_UnroutedUsesPath(t *testing.T) {
	base := newMemLogger()
	h := WithLogger(base)(AccessLog()(http.NotFoundHandler()))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	e, _ := base.last()
	if e.fields["http.route"] != "/nope" || e.fields["http.response.status_code"] != http.StatusNotFound {
		t.Fatalf("fields = %v", e.fields)
	}
}

func TestAccessLog_NoLoggerIsSafe(t *testing.T) {
	rec := httptest.NewRecorder()
	AccessLog()(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestScope(t *testing.T) {
	base := newMemLogger()
	var scoped *memLogger
	h := WithLogger(base)(Scope("protected")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		scoped, _ = log.FromContext(r.Context()).(*memLogger)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/protected", http.NoBody))

	if scoped == nil || scoped.fields["handler"] != "protected" {
		t.Fatalf("scoped logger = %+v", scoped)
	}
}

func TestRequestScheme(t *testing.T) {
	tests := []struct {
		name string
		xfp  string
		url  string
		tls  bool
		want string
	}{
		{"default", "", "", false, "http"},
		{"tls", "", "", true, "https"},
		{"forwarded", "HTTPS", "", false, "https"},
		{"forwarded list", "https, http", "", false, "https"},
		{"forwarded junk", "javascript", "", true, "https"},
		{"forwarded injection", "https\r\nX-Evil: 1", "", false, "http"},
		{"url scheme", "", "https://example.test/", false, "https"},
		{"forwarded beats url", "http", "https://example.test/", false, "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.url != "" {
				target = tt.url
			}
			req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
			if tt.xfp != "" {
				req.Header["X-Forwarded-Proto"] = []string{tt.xfp}
			}
			if !tt.tls {
				req.TLS = nil
			} else {
				req.TLS = &tls.ConnectionState{}
			}
			if got := requestScheme(req); got != tt.want {
				t.Fatalf("requestScheme = %q, want %q", got, tt.want)
			}
		})
	}
}

type flushHijackWriter struct {
	*httptest.ResponseRecorder
	flushed  bool
	hijacked bool
}

func (f *flushHijackWriter) Flush() { f.flushed = true }
func (f *flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	f.hijacked = true
	return nil, nil, nil
}

func TestRecorder_Status(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	rw := newRecorder(httptest.NewRecorder(), req, time.Now())
	if rw.statusCode() != http.StatusOK {
		t.Fatalf("unwritten status = %d, want 200", rw.statusCode())
	}

	_, _ = rw.Write([]byte("Hello"))
	_, _ = rw.Write([]byte(" world"))
	if rw.statusCode() != http.StatusOK || rw.bytes != 11 {
		t.Fatalf("status=%d bytes=%d", rw.statusCode(), rw.bytes)
	}

	rw = newRecorder(httptest.NewRecorder(), req, time.Now())
	rw.WriteHeader(http.StatusTooManyRequests)
	_, _ = rw.Write([]byte("{}"))
	if rw.statusCode() != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rw.statusCode())
	}
	// no recording span, closing is a no-op
	rw.closeSpan()
}

func TestRecorder_PassThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	under := &flushHijackWriter{ResponseRecorder: httptest.NewRecorder()}
	rw := newRecorder(under, req, time.Now())

	rw.Flush()
	if _, _, err := rw.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !under.flushed || !under.hijacked {
		t.Fatalf("flushed=%v hijacked=%v", under.flushed, under.hijacked)
	}
	if rw.Unwrap() != http.ResponseWriter(under) {
		t.Fatal("Unwrap did not return the underlying writer")
	}

	plain := newRecorder(httptest.NewRecorder(), req, time.Now())
	plain.Flush()
	if _, _, err := plain.Hijack(); err == nil {
		t.Fatal("Hijack on a non-hijacker should fail")
	}
}

func TestRecorder_WriteSpan(t *testing.T) {
	tracer, sr := newTracer(t)
	ctx, parent := tracer.Start(context.Background(), "GET /protected")
	req := httptest.NewRequest(http.MethodGet, "/protected", http.NoBody).WithContext(ctx)

	rw := newRecorder(httptest.NewRecorder(), req, time.Now())
	rw.WriteHeader(http.StatusTooManyRequests)
	_, _ = rw.Write([]byte(`{"error":"rate limit exceeded, try again later"}`))
	rw.closeSpan()
	parent.End()

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "response.write" {
			continue
		}
		found = true
		if s.Parent().SpanID() != parent.SpanContext().SpanID() {
			t.Error("write span not parented to the request span")
		}
	}
	if !found {
		t.Fatal("no response.write span")
	}
}
