package ratelimit

import (
	"sort"
	"time"
)

// windowLog is one client's admitted-request timestamps, oldest first.
// Guarded by the owning shard's mutex.
type windowLog struct {
	entries []time.Time

	// lastSeen is the latest check for this client, admitted or denied.
	// the sweeper uses it to decide when an empty log can be dropped
	lastSeen time.Time

	// logged tracks whether the first-denial hook already fired for this log
	// resets when the log is evicted and re-created
	logged bool
}

func newWindowLog(limit int) *windowLog {
	// entries never exceed the limit, allocate once
	return &windowLog{entries: make([]time.Time, 0, limit)}
}

// prune drops every entry at or before cutoff. Entries are kept sorted so the
// stale ones are always a prefix.
func (w *windowLog) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.entries, w.entries[i:])
	clear(w.entries[n:])
	w.entries = w.entries[:n]
}

// record appends ts, keeping entries sorted. Callers may race between reading
// the clock and taking the shard lock, so ts can land before the current tail.
func (w *windowLog) record(ts time.Time) {
	n := len(w.entries)
	if n == 0 || !ts.Before(w.entries[n-1]) {
		w.entries = append(w.entries, ts)
		return
	}
	i := sort.Search(n, func(i int) bool { return w.entries[i].After(ts) })
	w.entries = append(w.entries, time.Time{})
	copy(w.entries[i+1:], w.entries[i:n])
	w.entries[i] = ts
}

// touch moves lastSeen forward, never back.
func (w *windowLog) touch(ts time.Time) {
	if ts.After(w.lastSeen) {
		w.lastSeen = ts
	}
}

// retryAfter is how long until enough entries leave the window for one more
// request to fit. Only meaningful when the log is full.
func (w *windowLog) retryAfter(now time.Time, limit int, window time.Duration) time.Duration {
	if len(w.entries) < limit {
		return 0
	}
	// the entry that has to expire before a slot frees up
	gate := w.entries[len(w.entries)-limit]
	d := gate.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (w *windowLog) count() int { return len(w.entries) }
