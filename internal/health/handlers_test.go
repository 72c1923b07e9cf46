package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	return rec
}

func TestTextHandlers(t *testing.T) {
	tests := []struct {
		name       string
		h          http.Handler
		wantStatus int
		wantBody   string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthy nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"unhealthy", HealthzHandler(Fixed(false, "wedged")), http.StatusServiceUnavailable, "wedged\n"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"not ready", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(tt.h)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Error("Cache-Control: no-store missing")
			}
		})
	}
}

func TestReadyzHandler_FollowsGate(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(g.Probe())

	if rec := get(h); rec.Code != http.StatusOK {
		t.Fatalf("open gate status = %d", rec.Code)
	}
	g.Set("")
	if rec := get(h); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed gate status = %d", rec.Code)
	}
}

func TestHandlers_UseRequestContext(t *testing.T) {
	type key struct{}
	var saw any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		saw = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(context.WithValue(req.Context(), key{}, "v")))
	if saw != "v" {
		t.Fatal("probe did not receive the request context")
	}
}

func TestDependencyHandler(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	tests := []struct {
		name       string
		checks     map[string]Probe
		wantStatus int
		want       Report
	}{
		{
			name:       "none",
			wantStatus: http.StatusOK,
			want:       Report{Status: "ok", Checks: map[string]string{}},
		},
		{
			name:       "all ok",
			checks:     map[string]Probe{"stats_redis": Fixed(true, ""), "unset": nil},
			wantStatus: http.StatusOK,
			want:       Report{Status: "ok", Checks: map[string]string{"stats_redis": "ok", "unset": "ok"}},
		},
		{
			name: "one down",
			checks: map[string]Probe{
				"stats_redis": WithTimeout("stats redis", 10*time.Millisecond, slow),
				"policy_ssm":  Fixed(true, ""),
			},
			wantStatus: http.StatusServiceUnavailable,
			want: Report{Status: "degraded", Checks: map[string]string{
				"stats_redis": "stats redis: context deadline exceeded",
				"policy_ssm":  "ok",
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(DependencyHandler(tt.checks))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got Report
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != tt.want.Status || len(got.Checks) != len(tt.want.Checks) {
				t.Fatalf("report = %+v, want %+v", got, tt.want)
			}
			for k, v := range tt.want.Checks {
				if got.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, got.Checks[k], v)
				}
			}
		})
	}
}
