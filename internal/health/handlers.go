package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
)

// HealthzHandler answers 200 "ok" while p passes and 503 with the reason otherwise.
// A nil probe always passes.
func HealthzHandler(p Probe) http.HandlerFunc { return textHandler(p, "ok\n") }

// ReadyzHandler is HealthzHandler answering "ready".
func ReadyzHandler(p Probe) http.HandlerFunc { return textHandler(p, "ready\n") }

func textHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		status, body := http.StatusOK, okBody
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()+"\n"
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// Report is the body served by DependencyHandler.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// DependencyHandler runs every named check concurrently and reports each
// result. Dependencies are optional for admission, so a failing one makes the
// report "degraded" and the status 503 without touching readiness.
func DependencyHandler(checks map[string]Probe) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	slices.Sort(names)

	return func(w http.ResponseWriter, r *http.Request) {
		rep := run(r.Context(), names, checks)
		status := http.StatusOK
		if rep.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	}
}

func run(ctx context.Context, names []string, checks map[string]Probe) Report {
	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		p := checks[name]
		if p == nil {
			results[i] = "ok"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = "ok"
			if err := p.Check(ctx); err != nil {
				results[i] = err.Error()
			}
		}()
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		rep.Checks[name] = results[i]
		if results[i] != "ok" {
			rep.Status = "degraded"
		}
	}
	return rep
}
