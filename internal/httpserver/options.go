package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
)

const (
	DefaultPort = 8080
	// DefaultBodyLimit applies when BodyLimit is 0. Every route is a GET
	DefaultBodyLimit = 1 << 10
)

// Options configures the public listener. The zero value serves chi's
// defaults for every path with no health routes.
type Options struct {
	Logger log.Logger
	// Port defaults to DefaultPort
	Port int

	UseRecoverMW bool
	// OnPanic runs for every recovered panic, e.g. the panics counter
	OnPanic   func()
	MetricsMW func(http.Handler) http.Handler

	// Health and Readiness serve /-/healthy and /-/ready when set
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the service routes, per-route middleware such as the limiter goes here
	APIRoutes func(chi.Router)
	// NotFound and MethodNotAllowed replace chi's defaults when set. chi does
	// not add an Allow header for a custom MethodNotAllowed.
	NotFound         http.Handler
	MethodNotAllowed http.Handler

	// ClientIPOpts controls proxy hop trust, IPv6 keying and the fallback identity
	ClientIPOpts httpmw.ClientIPOptions

	// BodyLimit caps request bodies, DefaultBodyLimit when 0
	BodyLimit int64
}
