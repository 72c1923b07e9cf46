// Package prof runs the pyroscope agent. Mutex profiles are the ones that
// matter here, they show contention on the limiter's shard locks.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string
	// ProfileMutexFraction and BlockProfileRate are applied to the runtime
	// for the agent's lifetime, 0 leaves the runtime setting alone
	ProfileMutexFraction int
	BlockProfileRate     int
}

// Start launches the agent. The returned stop is never nil and is safe to
// call more than once, it stops the agent and restores the runtime's mutex
// and block profiling rates.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("pyro_server", opts.ServerAddress, "app_name", opts.AppName)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	conf, err := agentConfig(opts, L)
	if err != nil {
		return noop, err
	}

	restore := applyRates(opts)
	agent, err := pyroscope.Start(conf)
	if err != nil {
		restore()
		return noop, xerrors.Wrap(err, "pyroscope start")
	}
	L.Info(ctx, "pyroscope started", "profile_types", len(conf.ProfileTypes))

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = agent.Stop()
			restore()
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

func agentConfig(opts Options, L log.Logger) (pyroscope.Config, error) {
	if opts.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope server address is required")
	}
	return pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          agentLogger{L: L},
		ProfileTypes:    profileTypes(opts),
	}, nil
}

// applyRates sets the configured rates and returns a func restoring the previous ones.
func applyRates(opts Options) func() {
	var undo []func()
	if opts.ProfileMutexFraction > 0 {
		prev := runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
		undo = append(undo, func() { runtime.SetMutexProfileFraction(prev) })
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
		// the runtime does not report the previous block rate, it defaults to off
		undo = append(undo, func() { runtime.SetBlockProfileRate(0) })
	}
	return func() {
		for _, f := range undo {
			f()
		}
	}
}

// profileTypes leaves out mutex and block profiles whose rate is off, they
// would only upload empty profiles.
func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// agentLogger routes the agent's own logging into ours. Upload failures are
// warnings, profiling never affects admission.
type agentLogger struct{ L log.Logger }

func (a agentLogger) Infof(format string, args ...any) {
	a.L.Debug(context.Background(), "pyroscope: "+agentMessage(format, args))
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.L.Debug(context.Background(), "pyroscope: "+agentMessage(format, args))
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.L.Warn(context.Background(), "pyroscope: "+agentMessage(format, args))
}

// agentMessage formats an agent log line. Lines without args are taken as
// is, the agent passes ready-made messages that may contain a bare %.
func agentMessage(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
