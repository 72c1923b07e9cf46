package log

import "context"

type loggerKey struct{}

// WithContext attaches l to ctx. Middleware uses it to hand request-scoped
// loggers down to handlers and limiter hooks.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger carried by ctx, or Nop when there is none.
func FromContext(ctx context.Context) Logger {
	if ctx == nil {
		return Nop()
	}
	l, _ := ctx.Value(loggerKey{}).(Logger)
	if l == nil {
		return Nop()
	}
	return l
}
