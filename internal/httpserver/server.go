package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const (
	pathHealthy = "/-/healthy"
	pathReady   = "/-/ready"
)

// NewHandler builds the public handler: the chi router with per-route
// middleware, wrapped by the request-wide stack. main owns the *http.Server
// so it can drain on shutdown.
//
// Request-wide order, outermost first: security headers, route context,
// panic recovery, request id, client identity, tracing, trace headers,
// metrics, request logger. The limiter runs inside the router on the routes it guards, after
// the identity it keys on has been resolved.
func NewHandler(opts *Options) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	return httpmw.Chain(newRouter(opts),
		httpmw.SecurityHeaders,
		httpmw.RouteContext,
		recoverMW,
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		tracing,
		httpmw.TraceResponseHeaders(httpmw.DefaultTraceIDHeader, httpmw.DefaultSpanIDHeader),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	)
}

func newRouter(opts *Options) chi.Router {
	limit := opts.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, "text/plain", "application/json"),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.LimitBody(limit),
	)

	if opts.Health != nil {
		r.Get(pathHealthy, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(pathReady, health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	if opts.NotFound != nil {
		r.NotFound(opts.NotFound.ServeHTTP)
	}
	if opts.MethodNotAllowed != nil {
		r.MethodNotAllowed(opts.MethodNotAllowed.ServeHTTP)
	}
	return r
}

// tracing starts the server span. Probes and browser icon requests are not
// traced. The span starts as "METHOD path" and AnnotateHTTPRoute renames it
// to the route pattern once chi has matched.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return traced(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func traced(path string) bool {
	switch path {
	case pathHealthy, pathReady, "/favicon.ico", "/robots.txt":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// NewServer returns an *http.Server with the default timeouts and header cap.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (tcp4) and serves NewHandler(opts) in the
// background. The returned stop shuts the server down gracefully, only the
// first call has any effect.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for http port on addr=%v", addr)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return stop, nil
}
