package main

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/policy"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	v "github.com/keithlinneman/windowgate/internal/version"
)

// limiterState is what the status endpoint needs from the limiter.
type limiterState interface {
	Policy() ratelimit.Policy
	Len() int
}

type statusPolicy struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	Source      string `json:"source"`
}

type statusResponse struct {
	Policy         statusPolicy `json:"policy"`
	TrackedClients int          `json:"tracked_clients"`
	Draining       bool         `json:"draining"`
	Build          v.Info       `json:"build"`
}

// statusHandler serves the active policy and limiter occupancy on the admin listener.
// Never lists client identities.
func statusHandler(l limiterState, src policy.Source, gate *health.ShutdownGate, vi v.Info) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := l.Policy()
		resp := statusResponse{
			Policy: statusPolicy{
				MaxRequests: p.MaxRequests,
				Window:      p.Window.String(),
				Source:      string(src),
			},
			TrackedClients: l.Len(),
			Draining:       gate != nil && gate.Draining(),
			Build:          vi,
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	})
}
