// Package ratelimit is an in-memory, per-client sliding-window-log rate limiter.
//
// Every admitted request's timestamp is kept in a per-client log. On each check
// the log is pruned to the trailing window and the request is admitted only if
// fewer than Policy.MaxRequests entries remain. Enforcement is exact: there is
// no burst at window boundaries like a fixed-window counter has.
//
// The window is half-open, (now-Window, now]. An entry recorded at exactly
// now-Window no longer counts. Denied requests are never recorded, so a client
// hammering a full window does not push its own recovery further out.
//
// Clients are partitioned across independently locked shards by hash of their
// identity. The whole prune-count-append sequence for one client runs under its
// shard lock, so concurrent requests from the same client cannot overrun the
// limit, and clients in different shards never contend.
//
// What this does NOT do:
//   - share state between processes or instances
//   - survive restarts, all state is lost on exit
//
// Memory is bounded by a background sweeper that drops a client's log once it
// has been empty and idle for longer than the idle TTL, and optionally by a
// hard cap on tracked clients (WithMaxClients).
package ratelimit
