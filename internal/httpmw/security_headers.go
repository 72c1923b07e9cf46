package httpmw

import "net/http"

// responseHeaders go on every public response, including 429s and 404s.
// Every route is a stateless GET with no cookies, so CSRF does not apply.
var responseHeaders = [...]struct{ name, value string }{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload"},
	// nothing here loads sub-resources
	{"Content-Security-Policy", "default-src 'none'; base-uri 'none'; form-action 'none'; frame-ancestors 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	// admission results are per client and per instant, shared caches must not keep them
	{"Cache-Control", "no-store"},
}

// SecurityHeaders sets the fixed response headers before calling next.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, rh := range responseHeaders {
			h.Set(rh.name, rh.value)
		}
		next.ServeHTTP(w, r)
	})
}
