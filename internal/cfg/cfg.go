// Package cfg defines the server's command line flags. Every flag can also be
// set from the environment: flag "rate-limit-max" reads
// WINDOWGATE_RATE_LIMIT_MAX unless it was passed on the command line.
package cfg

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "WINDOWGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	// LogMaskClients truncates client addresses in logs to /24 or /48
	LogMaskClients bool

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	// ShutdownDrain is how long readiness fails before listeners close
	ShutdownDrain time.Duration

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	// admission policy, overridden by PolicyFile then PolicySSMParam when set
	RateLimitMax    int
	RateLimitWindow time.Duration
	PolicyFile      string
	PolicySSMParam  string

	RateLimitShards        int
	RateLimitMaxClients    int
	RateLimitIdleTTL       time.Duration
	RateLimitSweepInterval time.Duration

	TrustedHops      int
	ClientIPFallback string
	ClientIPv6Prefix int

	StatsRedisAddr   string
	StatsRedisPrefix string
}

// Register binds every field of c to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	registerLogging(fs, c)
	registerListeners(fs, c)
	registerTelemetry(fs, c)
	registerAdmission(fs, c)
	registerIdentity(fs, c)
	registerStats(fs, c)
}

func registerLogging(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "attach stack traces at or above this level, debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log the file:line of each wrap in an error chain")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.LogMaskClients, "log-mask-clients", false, "log client addresses truncated to /24 (ipv4) or /48 (ipv6)")
}

func registerListeners(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port for probes, metrics and status (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops port")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 15*time.Second, "time to fail readiness before closing listeners on shutdown (0..5m)")
}

func registerTelemetry(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

func registerAdmission(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", ratelimit.DefaultMaxRequests, "requests admitted per client per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", ratelimit.DefaultWindow, "sliding window length")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "yaml admission policy file, overrides -rate-limit-max/-rate-limit-window")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding a yaml admission policy, overrides -policy-file")

	fs.IntVar(&c.RateLimitShards, "rate-limit-shards", ratelimit.DefaultShards, "independently locked client partitions (1..4096)")
	fs.IntVar(&c.RateLimitMaxClients, "rate-limit-max-clients", 0, "max tracked clients, new clients are denied beyond this (0 = unlimited)")
	fs.DurationVar(&c.RateLimitIdleTTL, "rate-limit-idle-ttl", 0, "how long an empty client log is kept (0 = window)")
	fs.DurationVar(&c.RateLimitSweepInterval, "rate-limit-sweep-interval", 0, "idle client sweep period (0 = idle-ttl/2, negative disables)")
}

func registerIdentity(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies in front of the server (0 ignores X-Forwarded-For)")
	fs.StringVar(&c.ClientIPFallback, "client-ip-fallback", "127.0.0.1", "identity for requests whose peer address cannot be resolved (empty rejects them)")
	fs.IntVar(&c.ClientIPv6Prefix, "client-ipv6-prefix", 0, "key ipv6 clients by this prefix length instead of the full address (0 = full address)")
}

func registerStats(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.StatsRedisAddr, "stats-redis-addr", "", "redis host:port for aggregate decision stats (empty disables)")
	fs.StringVar(&c.StatsRedisPrefix, "stats-redis-prefix", "windowgate:stats", "key prefix for decision stats")
}

// FillFromEnv sets every flag not passed on the command line from its
// environment variable, PREFIX plus the upper-cased flag name with dashes as
// underscores. Command line beats environment beats default. Invalid values
// are reported through logf and leave the flag unchanged.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
		default:
			prev := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, prev)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// EnvKey is the environment variable read for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// Policy returns the admission policy given by the flags alone.
func (c App) Policy() ratelimit.Policy {
	return ratelimit.Policy{MaxRequests: c.RateLimitMax, Window: c.RateLimitWindow}
}

// problems collects validation failures, named by their environment key.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func (p *problems) port(key string, v int) {
	if v < 1 || v > 65535 {
		p.addf("invalid %s %d (must be 1..65535)", key, v)
	}
}

func (p *problems) level(key, v string) {
	if _, err := log.ParseLevel(v); err != nil {
		p.addf("invalid %s %q: %w", key, v, err)
	}
}

func (p *problems) hostPort(key, v string) {
	if _, _, err := net.SplitHostPort(v); err != nil {
		p.addf("%s must be host:port (got %q): %v", key, v, err)
	}
}

// Validate reports every out of range or malformed field at once, nil when
// c is usable.
func Validate(c App) error {
	var p problems
	c.validateLogging(&p)
	c.validateListeners(&p)
	c.validateTelemetry(&p)
	c.validateAdmission(&p)
	c.validateIdentity(&p)
	c.validateStats(&p)
	return xerrors.Join(p...)
}

func (c App) validateLogging(p *problems) {
	p.level("LOG_LEVEL", c.LogLevel)
	if c.StacktraceLevel != "" {
		p.level("STACKTRACE_LEVEL", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		p.addf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}
}

func (c App) validateListeners(p *problems) {
	p.port("HTTP_PORT", c.HTTPPort)
	p.port("ADMIN_PORT", c.AdminPort)
	if c.AdminPort == c.HTTPPort {
		p.addf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.ShutdownDrain < 0 || c.ShutdownDrain > 5*time.Minute {
		p.addf("invalid SHUTDOWN_DRAIN %s (must be 0..5m)", c.ShutdownDrain)
	}
}

func (c App) validateTelemetry(p *problems) {
	if c.TraceSample < 0 || c.TraceSample > 1 {
		p.addf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			p.addf("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			p.addf("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			p.addf("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	// the grpc exporter takes host:port without a scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			p.addf("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else {
			p.hostPort("OTLP_ENDPOINT", c.OTLPEndpoint)
		}
	}
}

func (c App) validateAdmission(p *problems) {
	// file and ssm policies replace these but fall back to them, so they must be valid alone
	if err := c.Policy().Validate(); err != nil {
		p.addf("invalid RATE_LIMIT_MAX/RATE_LIMIT_WINDOW: %w", err)
	}
	if c.RateLimitShards < 1 || c.RateLimitShards > 4096 {
		p.addf("invalid RATE_LIMIT_SHARDS %d (must be 1..4096)", c.RateLimitShards)
	}
	if c.RateLimitMaxClients < 0 {
		p.addf("invalid RATE_LIMIT_MAX_CLIENTS %d (must be >= 0)", c.RateLimitMaxClients)
	}
	if c.RateLimitIdleTTL < 0 {
		p.addf("invalid RATE_LIMIT_IDLE_TTL %s (must be >= 0)", c.RateLimitIdleTTL)
	}
}

func (c App) validateIdentity(p *problems) {
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		p.addf("invalid TRUSTED_HOPS %d (must be 0..10)", c.TrustedHops)
	}
	if c.ClientIPFallback != "" {
		if _, err := netip.ParseAddr(c.ClientIPFallback); err != nil {
			p.addf("CLIENT_IP_FALLBACK must be an ip address or empty (got %q)", c.ClientIPFallback)
		}
	}
	if c.ClientIPv6Prefix < 0 || c.ClientIPv6Prefix > 128 {
		p.addf("invalid CLIENT_IPV6_PREFIX %d (must be 0..128)", c.ClientIPv6Prefix)
	}
}

func (c App) validateStats(p *problems) {
	if c.StatsRedisAddr == "" {
		return
	}
	p.hostPort("STATS_REDIS_ADDR", c.StatsRedisAddr)
	if c.StatsRedisPrefix == "" {
		p.addf("STATS_REDIS_PREFIX required when STATS_REDIS_ADDR is set")
	}
}
