package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/policy"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	v "github.com/keithlinneman/windowgate/internal/version"
)

type fakeLimiter struct {
	p ratelimit.Policy
	n int
}

func (f fakeLimiter) Policy() ratelimit.Policy { return f.p }
func (f fakeLimiter) Len() int                 { return f.n }

func getStatus(t *testing.T, h http.Handler) (*httptest.ResponseRecorder, statusResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/status", http.NoBody))

	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
	return rec, got
}

func TestStatusHandler(t *testing.T) {
	lim := fakeLimiter{p: ratelimit.Policy{MaxRequests: 5, Window: time.Minute}, n: 3}
	var gate health.ShutdownGate

	rec, got := getStatus(t, statusHandler(lim, policy.SourceFile, &gate, v.Info{Version: "1.2.3"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	want := statusPolicy{MaxRequests: 5, Window: "1m0s", Source: "file"}
	if got.Policy != want {
		t.Errorf("policy = %+v, want %+v", got.Policy, want)
	}
	if got.TrackedClients != 3 {
		t.Errorf("tracked_clients = %d, want 3", got.TrackedClients)
	}
	if got.Draining {
		t.Error("draining = true before gate set")
	}
	if got.Build.Version != "1.2.3" {
		t.Errorf("build.version = %q", got.Build.Version)
	}
}

func TestStatusHandler_Draining(t *testing.T) {
	var gate health.ShutdownGate
	gate.Set("draining")

	_, got := getStatus(t, statusHandler(fakeLimiter{p: ratelimit.DefaultPolicy()}, policy.SourceFlags, &gate, v.Info{}))
	if !got.Draining {
		t.Error("draining = false after gate set")
	}
}

func TestStatusHandler_NilGate(t *testing.T) {
	_, got := getStatus(t, statusHandler(fakeLimiter{p: ratelimit.DefaultPolicy()}, policy.SourceFlags, nil, v.Info{}))
	if got.Draining {
		t.Error("nil gate should report not draining")
	}
}

func TestStatusHandler_LiveLimiter(t *testing.T) {
	l, err := ratelimit.New(t.Context(), ratelimit.DefaultPolicy(), ratelimit.WithSweepInterval(-1))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	now := time.Now()
	l.Admit("198.51.100.1", now)
	l.Admit("198.51.100.2", now)

	_, got := getStatus(t, statusHandler(l, policy.SourceSSM, nil, v.Info{}))
	if got.TrackedClients != 2 {
		t.Errorf("tracked_clients = %d, want 2", got.TrackedClients)
	}
	if got.Policy.Source != "ssm" {
		t.Errorf("source = %q, want ssm", got.Policy.Source)
	}
}
