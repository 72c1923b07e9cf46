package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// recorder captures the status and size of a response. When the request is
// traced it also opens a "response.write" child span at the first byte, which
// separates handler time from time spent blocked on a slow client.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx   context.Context
	start time.Time

	span     trace.Span
	spanOpen bool
	blocked  time.Duration
	writeErr error
}

func newRecorder(w http.ResponseWriter, r *http.Request, start time.Time) *recorder {
	return &recorder{ResponseWriter: w, ctx: r.Context(), start: start}
}

// statusCode is what the client saw, 200 when the handler never wrote.
func (rw *recorder) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *recorder) openSpan() {
	if rw.spanOpen {
		return
	}
	rw.spanOpen = true
	parent := trace.SpanFromContext(rw.ctx)
	if !parent.IsRecording() {
		return
	}
	// the provider that owns the request span, which need not be the global one
	ttfb := time.Since(rw.start)
	_, rw.span = parent.TracerProvider().Tracer("windowgate/httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb.Seconds())),
	)
}

// closeSpan ends the write span, if one was opened.
func (rw *recorder) closeSpan() {
	if rw.span == nil {
		return
	}
	rw.span.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusCode()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.blocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.span.RecordError(rw.writeErr)
		rw.span.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.span.End()
}

func (rw *recorder) WriteHeader(code int) {
	rw.openSpan()
	rw.status = code
	t := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.blocked += time.Since(t)
}

func (rw *recorder) Write(b []byte) (int, error) {
	rw.openSpan()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	t := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.blocked += time.Since(t)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *recorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("httpmw: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *recorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
