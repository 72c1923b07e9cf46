// Package log is the structured logger used across windowgate. It wraps
// log/slog with trace correlation, stack capture for errors and optional
// masking of client addresses.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the logging interface used across the service. Implementations
// must be safe for concurrent use, the rate limiter hooks log from request goroutines.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string
	BuildId string

	Level slog.Level
	// StacktraceLevel and above get a "stack" attr. Zero means error
	StacktraceLevel slog.Level
	JsonFormat      bool

	// MaxErrorLinks caps error_links entries, defaults to 8
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// MaskClientAddrs truncates client.address values to their network
	// (/24 for IPv4, /48 for IPv6) before they are written
	MaskClientAddrs bool

	// Writer defaults to stdout
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel accepts debug, info, warn (or warning) and error, case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
