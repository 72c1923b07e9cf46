package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/windowgate/internal/cfg"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/metrics"
	"github.com/keithlinneman/windowgate/internal/policy"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/stats"
	v "github.com/keithlinneman/windowgate/internal/version"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// newLogger builds the process logger from the log flags. Validate has
// already checked the levels.
func newLogger(conf cfg.App) (log.Logger, func(), error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, nil, err
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaskClientAddrs:   conf.LogMaskClients,
	})
	if err != nil {
		return nil, nil, err
	}
	return lg.With("component", "server"), func() { _ = lg.Sync() }, nil
}

func logStartup(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) {
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"rate_limit_shards", conf.RateLimitShards,
		"rate_limit_max_clients", conf.RateLimitMaxClients,
		"trusted_hops", conf.TrustedHops,
		"client_ip_fallback", conf.ClientIPFallback,
		"client_ipv6_prefix", conf.ClientIPv6Prefix,
		"log_mask_clients", conf.LogMaskClients,
		"stats_redis_addr", conf.StatsRedisAddr,
		"shutdown_drain", conf.ShutdownDrain,
	)
}

// resolvePolicy layers flags < file < ssm. The AWS config is only loaded
// when an SSM parameter is configured.
func resolvePolicy(ctx context.Context, L log.Logger, conf cfg.App) (ratelimit.Policy, policy.Source, error) {
	var client policy.SSMAPI
	if conf.PolicySSMParam != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return ratelimit.Policy{}, "", xerrors.Wrap(err, "load aws config")
		}
		client = ssm.NewFromConfig(awsCfg)
	}
	return policy.Resolve(ctx, policy.ResolveOptions{
		Logger:   L,
		Flags:    conf.Policy(),
		File:     conf.PolicyFile,
		SSMParam: conf.PolicySSMParam,
		SSM:      client,
	})
}

// startStats runs the redis decision stats writer when an address is
// configured. done closes once the writer has flushed after runCtx ends, and
// immediately when stats are off. closeFn releases the redis client.
func startStats(ctx, runCtx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (rec *stats.Recorder, done <-chan struct{}, closeFn func(), err error) {
	ch := make(chan struct{})
	if conf.StatsRedisAddr == "" {
		close(ch)
		return nil, ch, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: conf.StatsRedisAddr})
	rec, err = stats.New(stats.Options{
		Logger:    L,
		Client:    rdb,
		Prefix:    conf.StatsRedisPrefix,
		OnDropped: m.IncStatsDropped,
		OnError:   m.IncStatsError,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rec.Ping(pingCtx); err != nil {
		// admission never depends on redis
		L.Warn(ctx, "stats redis unreachable at startup, batches are dropped until it recovers",
			"error", err, "addr", conf.StatsRedisAddr)
	}

	go func() {
		defer close(ch)
		rec.Run(runCtx)
	}()
	return rec, ch, func() { _ = rdb.Close() }, nil
}

// newLimiter wires the limiter hooks to metrics, logs and the stats recorder.
// Hooks run outside the shard locks.
func newLimiter(runCtx context.Context, L log.Logger, conf cfg.App, pol ratelimit.Policy, m *metrics.ServerMetrics, rec *stats.Recorder) (*ratelimit.Limiter, error) {
	capacityWarn := rate.Sometimes{Interval: time.Minute}

	return ratelimit.New(runCtx, pol,
		ratelimit.WithShards(conf.RateLimitShards),
		ratelimit.WithMaxClients(conf.RateLimitMaxClients),
		ratelimit.WithIdleTTL(conf.RateLimitIdleTTL),
		ratelimit.WithSweepInterval(conf.RateLimitSweepInterval),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// once per client until its log is swept
		ratelimit.WithOnFirstDenied(func(id string) {
			L.Warn(runCtx, "rate limit triggered", "client", id, "policy", pol.String())
		}),
		ratelimit.WithOnDecision(func(_ string, d ratelimit.Decision) {
			m.IncDecision(d.String())
			if rec != nil {
				rec.Record(stats.Event{Allowed: d.Allowed(), At: time.Now()})
			}
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			capacityWarn.Do(func() {
				L.Warn(runCtx, "rate limit capacity reached, rejecting new clients until some are evicted",
					"max_clients", conf.RateLimitMaxClients)
			})
		}),
		ratelimit.WithOnSweep(func(evicted int, took time.Duration) {
			m.ObserveSweep(evicted, took)
			if evicted > 0 {
				L.Debug(runCtx, "swept idle clients", "evicted", evicted, "took", took)
			}
		}),
	)
}
