package opshttp

import (
	"net/http"

	"github.com/keithlinneman/windowgate/internal/health"
)

const DefaultPort = 9000

// Options configures the ops listener. Every endpoint except the probes is
// optional and answers 404 when unset.
type Options struct {
	// Port defaults to DefaultPort
	Port int

	Health    health.Probe
	Readiness health.Probe
	// Deps backs /-/deps, one named check per optional backend (stats redis, policy SSM)
	Deps map[string]health.Probe

	Metrics http.Handler
	// Status serves /-/status: active policy, tracked clients, drain state
	Status http.Handler

	// EnablePprof mounts /debug/pprof/ and /debug/vars
	EnablePprof bool

	UseRecoverMW bool
	OnPanic      func()
}
