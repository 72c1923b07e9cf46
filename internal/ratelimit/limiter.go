package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// Decision is the outcome of an admission check. The zero value is Deny.
type Decision uint8

const (
	Deny Decision = iota
	Allow
)

func (d Decision) Allowed() bool { return d == Allow }

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Result is a Decision plus what the caller needs to tell the client about it.
type Result struct {
	Decision Decision
	// Limit is Policy.MaxRequests
	Limit int
	// Remaining is how many more requests fit in the current window after this one
	Remaining int
	// RetryAfter is set on Deny: time until the oldest counted entry leaves the window
	RetryAfter time.Duration
}

// Clock supplies timestamps. time.Now carries a monotonic reading, so the
// system clock never moves backward for comparisons.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

const DefaultShards = 32

type shard struct {
	mu   sync.Mutex
	logs map[string]*windowLog
}

// Limiter holds per-client window logs across hash-partitioned shards and
// makes admit/deny decisions against a fixed Policy.
type Limiter struct {
	policy Policy
	shards []*shard
	clock  Clock

	// idleTTL is how long an empty log has to go without checks before the sweeper drops it
	idleTTL time.Duration
	// sweepEvery is the sweeper tick, 0 derives idleTTL/2, negative disables the sweeper
	sweepEvery time.Duration

	// maxClients caps tracked clients, 0 = unlimited
	maxClients int64
	tracked    atomic.Int64
	atCapacity atomic.Bool

	onDenied      func(id string)
	onFirstDenied func(id string)
	onDecision    func(id string, d Decision)
	onCapacity    func()
	onSweep       func(evicted int, took time.Duration)
}

type Option func(*Limiter)

// WithShards sets how many independently locked partitions clients are spread over.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n < 1 {
			// rejected in New
			l.shards = nil
			return
		}
		l.shards = make([]*shard, n)
	}
}

// WithClock replaces the clock used by AdmitNow, the middleware and the sweeper.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithIdleTTL controls how long an empty log stays in the map. Defaults to Policy.Window.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.idleTTL = d
	}
}

// WithSweepInterval sets the background sweep period. Negative disables the sweeper,
// Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepEvery = d
	}
}

// WithMaxClients caps how many clients are tracked at once. At capacity a client
// that has no log yet is denied without creating one, existing clients are unaffected.
// 0 disables the cap.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		l.maxClients = int64(n)
	}
}

// WithOnDenied sets a callback for every denied request, capacity denials
// included. used for prometheus counters
func WithOnDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.onDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial per tracked client, used for logging.
// Fires again for a client only after its log was evicted and re-created.
func WithOnFirstDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.onFirstDenied = fn
	}
}

// WithOnDecision sets a callback for every decision, including capacity rejections.
func WithOnDecision(fn func(id string, d Decision)) Option {
	return func(l *Limiter) {
		l.onDecision = fn
	}
}

// WithOnCapacity sets a callback fired once each time the client cap is hit.
// Re-arms after the sweeper frees capacity.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.onCapacity = fn
	}
}

// WithOnSweep sets a callback run after each background sweep with the number
// of logs dropped and how long the pass took.
func WithOnSweep(fn func(evicted int, took time.Duration)) Option {
	return func(l *Limiter) {
		l.onSweep = fn
	}
}

// New validates the policy and options and starts the background sweeper, which
// stops when ctx is cancelled.
func New(ctx context.Context, p Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policy: p,
		shards: make([]*shard, DefaultShards),
		clock:  SystemClock{},
	}
	for _, o := range opts {
		o(l)
	}

	if len(l.shards) == 0 {
		return nil, xerrors.New("shard count must be at least 1")
	}
	if l.maxClients < 0 {
		return nil, xerrors.Newf("max clients must not be negative (got %d)", l.maxClients)
	}
	if l.idleTTL < 0 {
		return nil, xerrors.Newf("idle ttl must not be negative (got %s)", l.idleTTL)
	}
	if l.idleTTL == 0 {
		l.idleTTL = p.Window
	}
	if l.sweepEvery == 0 {
		l.sweepEvery = l.idleTTL / 2
	}

	for i := range l.shards {
		l.shards[i] = &shard{logs: make(map[string]*windowLog)}
	}

	if l.sweepEvery > 0 {
		go l.sweepLoop(ctx)
	}
	return l, nil
}

// Policy returns the admission policy the limiter was built with.
func (l *Limiter) Policy() Policy { return l.policy }

// Len returns the number of clients currently tracked.
func (l *Limiter) Len() int { return int(l.tracked.Load()) }

// Admit decides whether a request from id at now is admitted, and records it if so.
func (l *Limiter) Admit(id string, now time.Time) Decision {
	return l.Check(id, now).Decision
}

// AdmitNow is Admit at the limiter's clock.
func (l *Limiter) AdmitNow(id string) Decision {
	return l.Check(id, l.clock.Now()).Decision
}

// Check is Admit with the details needed for response headers.
//
// Under the client's shard lock: look up or create the log, prune entries at or
// before now-Window, then admit and record now if fewer than MaxRequests remain.
// Denied requests are not recorded.
func (l *Limiter) Check(id string, now time.Time) Result {
	limit := l.policy.MaxRequests
	s := l.shardFor(id)

	s.mu.Lock()
	w, exists := s.logs[id]
	if !exists {
		if !l.reserve() {
			s.mu.Unlock()
			l.capacityReached()
			if l.onDenied != nil {
				l.onDenied(id)
			}
			if l.onDecision != nil {
				l.onDecision(id, Deny)
			}
			return Result{Decision: Deny, Limit: limit, RetryAfter: l.idleTTL}
		}
		w = newWindowLog(limit)
		s.logs[id] = w
	}
	w.touch(now)
	w.prune(now.Add(-l.policy.Window))

	res := Result{Limit: limit}
	firstDenial := false
	if w.count() < limit {
		w.record(now)
		res.Decision = Allow
		res.Remaining = limit - w.count()
	} else {
		res.Decision = Deny
		res.RetryAfter = w.retryAfter(now, limit, l.policy.Window)
		if !w.logged {
			w.logged = true
			firstDenial = true
		}
	}
	// release before hooks, they may log or do other slow work
	s.mu.Unlock()

	if res.Decision == Deny {
		if firstDenial && l.onFirstDenied != nil {
			l.onFirstDenied(id)
		}
		if l.onDenied != nil {
			l.onDenied(id)
		}
	}
	if l.onDecision != nil {
		l.onDecision(id, res.Decision)
	}
	return res
}

func (l *Limiter) shardFor(id string) *shard {
	if len(l.shards) == 1 {
		return l.shards[0]
	}
	return l.shards[xxhash.Sum64String(id)%uint64(len(l.shards))]
}

// reserve claims a tracked-client slot, failing at capacity.
func (l *Limiter) reserve() bool {
	if l.maxClients <= 0 {
		l.tracked.Add(1)
		return true
	}
	for {
		n := l.tracked.Load()
		if n >= l.maxClients {
			return false
		}
		if l.tracked.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (l *Limiter) capacityReached() {
	if l.atCapacity.CompareAndSwap(false, true) && l.onCapacity != nil {
		l.onCapacity()
	}
}

// Sweep drops every log that is empty after pruning at now and has not been
// checked for longer than the idle TTL. Returns how many were dropped.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.policy.Window)
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, w := range s.logs {
			w.prune(cutoff)
			if w.count() == 0 && now.Sub(w.lastSeen) > l.idleTTL {
				delete(s.logs, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		l.tracked.Add(int64(-evicted))
	}
	if l.maxClients > 0 && l.tracked.Load() < l.maxClients {
		l.atCapacity.Store(false)
	}
	return evicted
}

// sweepLoop runs Sweep every sweepEvery until ctx is done.
func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n := l.Sweep(l.clock.Now())
			if l.onSweep != nil {
				l.onSweep(n, time.Since(start))
			}
		}
	}
}
