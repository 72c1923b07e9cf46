package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

const defaultMaxErrorLinks = 8

type logger struct {
	h     slog.Handler
	attrs []slog.Attr

	errorLinks    bool
	maxErrorLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = defaultMaxErrorLinks
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	}
	h = traceHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}
	if opts.MaskClientAddrs {
		h = maskHandler{next: h}
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("app.version", opts.Version))
	}
	if opts.Commit != "" {
		attrs = append(attrs, slog.String("app.commit", opts.Commit))
	}
	if opts.BuildId != "" {
		attrs = append(attrs, slog.String("app.build_id", opts.BuildId))
	}

	return &logger{
		h:             h,
		attrs:         attrs,
		errorLinks:    opts.IncludeErrorLinks,
		maxErrorLinks: opts.MaxErrorLinks,
	}, nil
}

// With returns a child logger. The attr slice is copied so parents and
// children can be used from different goroutines.
func (l *logger) With(kv ...any) Logger {
	attrs := make([]slog.Attr, len(l.attrs), len(l.attrs)+len(kv)/2)
	copy(attrs, l.attrs)
	attrs = appendKV(attrs, kv)

	child := *l
	child.attrs = attrs
	return &child
}

func (l *logger) Debug(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, slog.LevelDebug, msg, kv)
}

func (l *logger) Info(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, slog.LevelInfo, msg, kv)
}

func (l *logger) Warn(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, slog.LevelWarn, msg, kv)
}

func (l *logger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, l.errorFields(err)...)
	}
	l.log(ctx, slog.LevelError, msg, kv)
}

func (l *logger) Sync() error { return nil }

// log must be called directly from the exported level methods, the caller
// PC skips exactly runtime.Callers, log and the level method.
func (l *logger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.h.Enabled(ctx, lvl) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(l.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = l.h.Handle(ctx, r)
}

// appendKV converts alternating key/value pairs, dropping pairs whose key
// is not a string and a trailing key with no value.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}
