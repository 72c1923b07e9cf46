// Package stats ships aggregate admission counts to redis for dashboards that
// outlive a single process. It is best effort: Record never blocks the request
// path, events are dropped when the queue is full, and write failures are
// counted and logged (throttled) but never retried.
//
// Keys, with the default prefix:
//
//	windowgate:stats:total                HINCRBY allowed|denied, never expires
//	windowgate:stats:minute:200601021504  HINCRBY allowed|denied, expires after BucketTTL
//
// Client identities are never written.
package stats

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const (
	DefaultPrefix    = "windowgate:stats"
	DefaultBucketTTL = 24 * time.Hour
	DefaultQueueSize = 4096

	// maxBatch caps how many queued events fold into one pipeline
	maxBatch = 512

	writeTimeout = 2 * time.Second
	flushTimeout = 3 * time.Second

	fieldAllowed = "allowed"
	fieldDenied  = "denied"
)

// Event is one admission decision.
type Event struct {
	Allowed bool
	At      time.Time
}

// Client is the subset of *redis.Client the recorder needs.
type Client interface {
	Pipeline() redis.Pipeliner
	Ping(ctx context.Context) *redis.StatusCmd
}

type Options struct {
	Logger log.Logger
	Client Client

	// Prefix for every key, trailing colons are trimmed. Defaults to DefaultPrefix
	Prefix string
	// BucketTTL is how long per-minute buckets live. Defaults to DefaultBucketTTL
	BucketTTL time.Duration
	// QueueSize is the buffered event capacity. Defaults to DefaultQueueSize
	QueueSize int

	// OnDropped is called for every event dropped on a full queue, e.g. to increment prometheus counters
	OnDropped func()
	// OnError is called for every failed pipeline
	OnError func()
}

type Recorder struct {
	logger    log.Logger
	client    Client
	prefix    string
	bucketTTL time.Duration
	onDropped func()
	onError   func()

	ch      chan Event
	dropped atomic.Uint64
	written atomic.Uint64

	// warnings on the hot path are throttled, a dead redis would otherwise log per request
	dropWarn  rate.Sometimes
	errorWarn rate.Sometimes
}

func New(opts Options) (*Recorder, error) {
	if opts.Client == nil {
		return nil, xerrors.New("stats: redis client is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if opts.BucketTTL < 0 {
		return nil, xerrors.Newf("stats: bucket ttl must not be negative (got %s)", opts.BucketTTL)
	}
	if opts.BucketTTL == 0 {
		opts.BucketTTL = DefaultBucketTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Recorder{
		logger:    opts.Logger,
		client:    opts.Client,
		prefix:    prefix,
		bucketTTL: opts.BucketTTL,
		onDropped: opts.OnDropped,
		onError:   opts.OnError,
		ch:        make(chan Event, opts.QueueSize),
		dropWarn:  rate.Sometimes{Interval: 30 * time.Second},
		errorWarn: rate.Sometimes{Interval: 30 * time.Second},
	}, nil
}

// Record enqueues ev without blocking. Returns false when the event was dropped.
func (r *Recorder) Record(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.ch <- ev:
		return true
	default:
	}

	n := r.dropped.Add(1)
	if r.onDropped != nil {
		r.onDropped()
	}
	r.dropWarn.Do(func() {
		r.logger.Warn(context.Background(), "stats queue full, dropping admission events", "dropped_total", n)
	})
	return false
}

// Dropped is the number of events dropped on a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written is the number of events successfully written.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Ping checks the redis connection.
func (r *Recorder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "stats: redis ping")
	}
	return nil
}

// Run drains the queue into redis until ctx is done, then flushes what is
// left with a short deadline.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case ev := <-r.ch:
			if ctx.Err() != nil {
				// both ready, ctx is already unusable for writes
				r.flush(ev)
				return
			}
			r.write(ctx, r.collect(ev))
		}
	}
}

// collect takes first plus whatever else is queued, up to maxBatch.
func (r *Recorder) collect(first Event) []Event {
	batch := []Event{first}
	for len(batch) < maxBatch {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(pending ...Event) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, ev := range pending {
		r.write(ctx, r.collect(ev))
	}
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, r.collect(ev))
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []Event) {
	t := tally(batch)
	if t.empty() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	total := totalKey(r.prefix)
	incr(ctx, pipe, total, t.total)
	for minute, c := range t.buckets {
		key := bucketKey(r.prefix, minute)
		incr(ctx, pipe, key, c)
		pipe.Expire(ctx, key, r.bucketTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		if r.onError != nil {
			r.onError()
		}
		r.errorWarn.Do(func() {
			r.logger.Error(ctx, xerrors.Wrap(err, "stats: redis pipeline"), "stats write failed", "events", len(batch))
		})
		return
	}
	r.written.Add(uint64(len(batch)))
}

type counts struct {
	allowed, denied int64
}

type batchTally struct {
	total counts
	// keyed by the minute the events fell in, UTC
	buckets map[time.Time]counts
}

func (t batchTally) empty() bool { return t.total.allowed == 0 && t.total.denied == 0 }

func tally(batch []Event) batchTally {
	t := batchTally{buckets: make(map[time.Time]counts)}
	for _, ev := range batch {
		minute := ev.At.UTC().Truncate(time.Minute)
		c := t.buckets[minute]
		if ev.Allowed {
			c.allowed++
			t.total.allowed++
		} else {
			c.denied++
			t.total.denied++
		}
		t.buckets[minute] = c
	}
	return t
}

func incr(ctx context.Context, pipe redis.Pipeliner, key string, c counts) {
	if c.allowed > 0 {
		pipe.HIncrBy(ctx, key, fieldAllowed, c.allowed)
	}
	if c.denied > 0 {
		pipe.HIncrBy(ctx, key, fieldDenied, c.denied)
	}
}

func totalKey(prefix string) string { return prefix + ":total" }

func bucketKey(prefix string, t time.Time) string {
	return prefix + ":minute:" + t.UTC().Format("200601021504")
}
