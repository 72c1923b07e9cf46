package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls how the rate limit identity is derived from a request.
type ClientIPOptions struct {
	// TrustedHops is how many reverse proxies sit between clients and this
	// server. 0 ignores X-Forwarded-For, 1 takes its last entry (single load
	// balancer), 2 the one before that (CDN then load balancer), and so on.
	// Forwarded headers are only read when the peer is a private address.
	TrustedHops int

	// IPv6PrefixBits, when set, keys IPv6 clients by their network instead of
	// the full address. 64 puts every address of a typical allocation in one window.
	IPv6PrefixBits int

	// Fallback is the identity used when the peer address cannot be resolved,
	// e.g. a unix socket listener. "" leaves the identity unset.
	Fallback string
}

// ClientIP resolves the identity with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client identity once per request and
// stores it for the limiter, logging and tracing.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := opts.Fallback
			if addr, ok := resolveClient(r, opts.TrustedHops); ok {
				id = identity(addr, opts.IPv6PrefixBits)
			}
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), id)))
		})
	}
}

// resolveClient returns the client address for r. The result keys rate limit
// windows, so an unparseable peer is reported as unresolved rather than
// passed through: a shared junk key would let one client drain everyone's budget.
func resolveClient(r *http.Request, trustedHops int) (netip.Addr, bool) {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}

	if !peer.IsPrivate() || trustedHops <= 0 {
		// not our infrastructure, nothing downstream may trust these
		dropForwarded(r)
		return peer, true
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer, true
	}
	hops := strings.Split(xff, ",")
	i := len(hops) - trustedHops
	if i < 0 {
		// fewer entries than proxies, misconfigured or forged
		dropForwarded(r)
		return peer, true
	}
	fwd, ok := parseAddr(strings.TrimSpace(hops[i]))
	if !ok {
		// the peer is our proxy, keying on it would pool every such client
		dropForwarded(r)
		return netip.Addr{}, false
	}
	return fwd, true
}

// parseAddr accepts host:port or a bare address, and returns it unmapped
// and without zone so equal clients always produce the same key.
func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// identity renders addr as a limiter key, truncating IPv6 to prefixBits when set.
func identity(addr netip.Addr, prefixBits int) string {
	if addr.Is6() && prefixBits > 0 && prefixBits < 128 {
		if p, err := addr.Prefix(prefixBits); err == nil {
			return p.String()
		}
	}
	return addr.String()
}

func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the resolved client identity, "" when none was resolved.
func ClientIPFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIPKey{}).(string)
	return id
}

// WithClientIP stores id in ctx. An empty id leaves ctx unchanged.
func WithClientIP(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, id)
}
