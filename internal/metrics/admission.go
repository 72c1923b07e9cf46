package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type admissionMetrics struct {
	decisions *prometheus.CounterVec
	denied    prometheus.Counter
	capacity  prometheus.Counter
	evictions prometheus.Counter
	sweep     prometheus.Histogram
	policy    *prometheus.GaugeVec

	statsDropped prometheus.Counter
	statsErrors  prometheus.Counter
}

func newAdmissionMetrics(f promauto.Factory) admissionMetrics {
	return admissionMetrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Admission decisions, by outcome",
		}, []string{"decision"}),
		denied: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests denied by the rate limiter and answered with 429, capacity denials included",
		}),
		capacity: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Times the client cap was reached, new clients are refused until the sweeper frees slots",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Idle window logs dropped by the sweeper",
		}),
		sweep: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Duration of one sweep over every shard",
			Buckets: prometheus.ExponentialBuckets(0.0001, 5, 6),
		}),
		policy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_info",
			Help: "Active admission policy, the labels carry the values",
		}, []string{"max_requests", "window_seconds", "source"}),
		statsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "stats_sink_dropped_total",
			Help: "Decision events dropped on a full stats queue",
		}),
		statsErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stats_sink_errors_total",
			Help: "Failed flushes to the stats backend",
		}),
	}
}

// IncDecision counts one admission, decision is "allow" or "deny".
func (m *ServerMetrics) IncDecision(decision string) {
	m.admission.decisions.WithLabelValues(decision).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied()   { m.admission.denied.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.admission.capacity.Inc() }
func (m *ServerMetrics) IncStatsDropped()      { m.admission.statsDropped.Inc() }
func (m *ServerMetrics) IncStatsError()        { m.admission.statsErrors.Inc() }

// ObserveSweep records one sweeper pass and the logs it evicted.
func (m *ServerMetrics) ObserveSweep(evicted int, took time.Duration) {
	if evicted > 0 {
		m.admission.evictions.Add(float64(evicted))
	}
	m.admission.sweep.Observe(took.Seconds())
}

// SetPolicy replaces the published policy with the active one and its source.
func (m *ServerMetrics) SetPolicy(maxRequests int, window time.Duration, source string) {
	m.admission.policy.Reset()
	m.admission.policy.WithLabelValues(
		strconv.Itoa(maxRequests),
		strconv.FormatFloat(window.Seconds(), 'f', -1, 64),
		source,
	).Set(1)
}

// RegisterTrackedClients exposes count, read at scrape time. Call once.
func (m *ServerMetrics) RegisterTrackedClients(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_clients",
		Help: "Clients with a window log held in memory",
	}, func() float64 { return float64(count()) })
}
