package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/keithlinneman/windowgate/internal/cfg"
	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/httpserver"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/metrics"
	"github.com/keithlinneman/windowgate/internal/opshttp"
	"github.com/keithlinneman/windowgate/internal/otelx"
	"github.com/keithlinneman/windowgate/internal/prof"
	"github.com/keithlinneman/windowgate/internal/sitehttp"
	v "github.com/keithlinneman/windowgate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()
	conf := parseConfig(vi)

	L, syncLog, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer syncLog()
	ctx = log.WithContext(ctx, L)
	logStartup(ctx, L, conf, vi)

	// a configured policy source that can't be read is fatal, serving a different limit than intended is worse than not serving
	pol, src, err := resolvePolicy(ctx, L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to resolve rate limit policy")
		os.Exit(1)
	}
	L.Info(ctx, "rate limit policy resolved", "policy", pol.String(), "source", string(src))

	// mutex profiles show shard lock contention
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:              conf.EnablePyroscope,
		AppName:              v.AppName,
		ServerAddress:        conf.PyroServer,
		TenantID:             conf.PyroTenantID,
		ProfileMutexFraction: 5,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed")
	}
	defer stopProf()

	// the collector runs on localhost, no tls
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"ratelimit.max_requests": strconv.Itoa(pol.MaxRequests),
			"ratelimit.window":       pol.Window.String(),
			"ratelimit.source":       string(src),
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)
	m.SetPolicy(pol.MaxRequests, pol.Window, string(src))

	// the sweeper and stats writer outlive the signal ctx so they keep running through the drain
	runCtx, cancelRun := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRun()

	deps := map[string]health.Probe{}
	rec, statsDone, closeStats, err := startStats(ctx, runCtx, L, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to create stats recorder")
		os.Exit(1)
	}
	defer closeStats()
	if rec != nil {
		deps["stats_redis"] = health.WithTimeout("stats redis", time.Second, health.CheckFunc(rec.Ping))
	}

	limiter, err := newLimiter(runCtx, L, conf, pol, m, rec)
	if err != nil {
		L.Error(ctx, err, "failed to create rate limiter")
		os.Exit(1)
	}
	m.RegisterTrackedClients(limiter.Len)

	// readiness only follows the shutdown gate, redis and ssm are never on the request path
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	siteStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:           L,
		Port:             conf.HTTPPort,
		Health:           health.Fixed(true, ""),
		Readiness:        readiness,
		APIRoutes:        sitehttp.New(limiter.Middleware).RegisterRoutes,
		NotFound:         sitehttp.NotFound(),
		MethodNotAllowed: sitehttp.MethodNotAllowed(),
		UseRecoverMW:     true,
		OnPanic:          m.IncPanic,
		MetricsMW:        m.Middleware,
		ClientIPOpts:     httpmw.ClientIPOptions{
			TrustedHops:    conf.TrustedHops,
			IPv6PrefixBits: conf.ClientIPv6Prefix,
			Fallback:       conf.ClientIPFallback,
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteStop(context.Background()) }()

	// ops listener rejects public peers and proxied requests, see opshttp
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Deps:         deps,
		Metrics:      m.Handler(),
		Status:       statusHandler(limiter, src, &gate, vi),
		EnablePprof:  conf.EnablePprof,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := sdNotify("READY=1"); err != nil {
		// systemd kills the unit after its start timeout if this never arrives
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")
	_ = sdNotify("STOPPING=1")

	// new clients go elsewhere, in-flight and keep-alive clients are still admitted
	gate.Set("draining")
	drain(L, conf.ShutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()
	if err := siteStop(shutdownCtx); err != nil {
		L.Error(bg, err, "site http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	// stop the sweeper, the stats writer flushes what the last requests recorded
	cancelRun()
	select {
	case <-statsDone:
	case <-shutdownCtx.Done():
		L.Warn(bg, "stats flush did not finish before shutdown timeout")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete", "tracked_clients", limiter.Len())
	os.Exit(0)
}

// parseConfig reads flags then the environment, exiting on -V or invalid config.
func parseConfig(vi v.Info) cfg.App {
	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "print version and build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	return conf
}

// drain holds the listeners open while load balancers notice the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	bg := context.Background()
	L.Info(bg, "draining before closing listeners", "drain", d)

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(bg, "drain period complete")
	case <-force:
		L.Warn(bg, "second signal received, skipping drain")
	}
}
