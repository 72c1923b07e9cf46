package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/windowgate/internal/log"
)

type entry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

// memLogger records every call. With returns a child sharing the same sink,
// so entries carry the fields accumulated along the way.
type memLogger struct {
	sink   *memSink
	fields map[string]any
}

type memSink struct {
	mu      sync.Mutex
	entries []entry
}

func newMemLogger() *memLogger {
	return &memLogger{sink: &memSink{}, fields: map[string]any{}}
}

func (l *memLogger) With(kv ...any) log.Logger {
	child := &memLogger{sink: l.sink, fields: make(map[string]any, len(l.fields)+len(kv)/2)}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	addFields(child.fields, kv)
	return child
}

func (l *memLogger) record(level, msg string, err error, kv []any) {
	fields := make(map[string]any, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		fields[k] = v
	}
	addFields(fields, kv)
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, entry{level: level, msg: msg, err: err, fields: fields})
}

func (l *memLogger) Debug(_ context.Context, msg string, kv ...any) { l.record("debug", msg, nil, kv) }
func (l *memLogger) Info(_ context.Context, msg string, kv ...any)  { l.record("info", msg, nil, kv) }
func (l *memLogger) Warn(_ context.Context, msg string, kv ...any)  { l.record("warn", msg, nil, kv) }
func (l *memLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.record("error", msg, err, kv)
}
func (l *memLogger) Sync() error { return nil }

func (l *memLogger) all() []entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]entry(nil), l.sink.entries...)
}

func (l *memLogger) last() (entry, bool) {
	es := l.all()
	if len(es) == 0 {
		return entry{}, false
	}
	return es[len(es)-1], true
}

func addFields(dst map[string]any, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst[k] = kv[i+1]
		}
	}
}
