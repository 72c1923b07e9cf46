package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

const (
	bodyRateLimited      = `{"error":"rate limit exceeded, try again later"}`
	bodyNoClientIdentity = `{"error":"client identity unavailable"}`
)

// Middleware returns middleware that rejects requests over the per-client limit with 429.
// The client identity comes from httpmw.ClientIP, which must run first.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httpmw.ClientIPFromContext(r.Context())
		if id == "" {
			// no identity and no fallback configured upstream, never invent one here
			writeJSON(w, http.StatusBadRequest, bodyNoClientIdentity)
			return
		}

		res := l.Check(id, l.clock.Now())
		if !res.Decision.Allowed() {
			w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
			// intentionally not including limits or remaining budget in the body
			writeJSON(w, http.StatusTooManyRequests, bodyRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up to whole seconds, never below 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
