package sitehttp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

// helpers

// denyAfter is a stand-in limiter that admits the first n requests.
type denyAfter struct {
	n     int
	calls int
}

func (d *denyAfter) mw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.calls++
		if d.calls > d.n {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newRouter mirrors the public listener: the route context is seeded
// outside the router, so chi reuses it instead of allocating its own.
func newRouter(limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	New(limit).RegisterRoutes(r)
	r.NotFound(NotFound().ServeHTTP)
	r.MethodNotAllowed(MethodNotAllowed().ServeHTTP)
	return httpmw.RouteContext(r)
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// New

func TestNew_SetsLimit(t *testing.T) {
	d := &denyAfter{n: 1}
	rt := New(d.mw)
	if rt == nil || rt.Limit == nil {
		t.Fatal("Limit not set")
	}
}

// hello

func TestRegisterRoutes_Root(t *testing.T) {
	r := newRouter(nil)

	rec := get(t, r, "GET", "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != bodyHello {
		t.Fatalf("body = %q, want %q", rec.Body.String(), bodyHello)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestRegisterRoutes_RootIsNotLimited(t *testing.T) {
	d := &denyAfter{n: 0}
	r := newRouter(d.mw)

	for i := 0; i < 10; i++ {
		if rec := get(t, r, "GET", "/"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
	if d.calls != 0 {
		t.Fatalf("limiter consulted %d times for /, want 0", d.calls)
	}
}

// protected

func TestRegisterRoutes_Protected_Admitted(t *testing.T) {
	d := &denyAfter{n: 5}
	r := newRouter(d.mw)

	rec := get(t, r, "GET", "/protected")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != bodyProtected {
		t.Fatalf("body = %q, want %q", rec.Body.String(), bodyProtected)
	}
	if d.calls != 1 {
		t.Fatalf("limiter calls = %d, want 1", d.calls)
	}
}

func TestRegisterRoutes_Protected_LimiterDecides(t *testing.T) {
	d := &denyAfter{n: 2}
	r := newRouter(d.mw)

	codes := []int{}
	for i := 0; i < 4; i++ {
		codes = append(codes, get(t, r, "GET", "/protected").Code)
	}
	want := []int{200, 200, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestRegisterRoutes_Protected_NotRegisteredWithoutLimiter(t *testing.T) {
	r := newRouter(nil)

	rec := get(t, r, "GET", "/protected")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (never serve /protected unguarded)", rec.Code)
	}
}

// NotFound

func TestNotFound_UnknownPath(t *testing.T) {
	r := newRouter(nil)

	for _, p := range []string{"/nope", "/a/b/c", "/protected/extra"} {
		rec := get(t, r, "GET", p)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, rec.Code)
		}
		if rec.Body.String() != bodyNotFound {
			t.Errorf("%s: body = %q", p, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
			t.Errorf("%s: Content-Type = %q", p, ct)
		}
	}
}

// MethodNotAllowed

func TestMethodNotAllowed_KnownPath(t *testing.T) {
	d := &denyAfter{n: 5}
	r := newRouter(d.mw)

	for _, p := range []string{"/", "/protected"} {
		rec := get(t, r, "POST", p)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: status = %d, want 405", p, rec.Code)
		}
		if rec.Body.String() != bodyMethodNotAllowed {
			t.Errorf("POST %s: body = %q", p, rec.Body.String())
		}
		if got := rec.Header().Get("Allow"); got != "GET" {
			t.Errorf("POST %s: Allow = %q, want GET", p, got)
		}
	}
	if d.calls != 0 {
		t.Fatalf("limiter consulted %d times for rejected methods, want 0", d.calls)
	}
}

func TestMethodNotAllowed_WithoutRouter(t *testing.T) {
	rec := get(t, MethodNotAllowed(), "DELETE", "/protected")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET" {
		t.Fatalf("Allow = %q, want GET", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestNotFound_WithoutRouter(t *testing.T) {
	rec := get(t, NotFound(), "DELETE", "/anything")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
