package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/windowgate/internal/log"
)

// privateOnly rejects proxied requests and peers outside loopback, private
// and link-local ranges. Monitoring reaches the ops port directly.
func privateOnly(L log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reason := ""
			switch {
			case r.Header.Get("X-Forwarded-For") != "":
				reason = "forwarded by proxy"
			case !privatePeer(r.RemoteAddr):
				reason = "public or unknown peer"
			}
			if reason != "" {
				L.Warn(r.Context(), "ops request rejected",
					"reason", reason,
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func privatePeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	// ::ffff:a.b.c.d is judged as a.b.c.d
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
