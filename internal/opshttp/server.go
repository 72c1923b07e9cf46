// Package opshttp serves the operator endpoints on their own port: probes,
// dependency checks, limiter status, Prometheus metrics and optionally pprof.
// Requests are only accepted directly from non-public networks.
package opshttp

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

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/httpserver"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// pprof profile and trace captures default to 30s
const opsWriteTimeout = 45 * time.Second

// NewHandler builds the ops router behind the network guard.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()
	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	if len(opts.Deps) > 0 {
		r.Get("/-/deps", health.DependencyHandler(opts.Deps))
	}
	if opts.Status != nil {
		r.Method(http.MethodGet, "/-/status", opts.Status)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	return httpmw.Chain(r, recoverMW, privateOnly(L))
}

// Start listens on opts.Port and serves NewHandler in the background.
// The returned stop shuts down gracefully, only the first call has any effect.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for ops port on addr=%v", addr)
	}
	srv := httpserver.NewServer(addr, NewHandler(L, opts))
	srv.WriteTimeout = opsWriteTimeout

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
