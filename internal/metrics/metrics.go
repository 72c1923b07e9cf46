// Package metrics owns the Prometheus registry for the server: HTTP request
// metrics for the public listener, admission metrics fed by the limiter
// hooks, and build metadata. Label values are drawn from fixed sets (method,
// route pattern, status, decision), client identities never become labels.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/windowgate/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	http      httpMetrics
	admission admissionMetrics

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
	panics          prometheus.Counter
}

type httpMetrics struct {
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
}

// New registers the Go and process collectors plus every server metric on a
// private registry. Handler serves it in OpenMetrics format so exemplars are
// exposed.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{
		reg:       reg,
		http:      newHTTPMetrics(f),
		admission: newAdmissionMetrics(f),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is running",
		}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics turned into 500s",
		}),
	}
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func newHTTPMetrics(f promauto.Factory) httpMetrics {
	routeLabels := []string{"method", "route"}
	return httpMetrics{
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests served, by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route pattern",
		}, routeLabels),
		// the limiter answers in microseconds, the buckets start low
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time to serve a request, by method and route pattern",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, routeLabels),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size, by method and route pattern",
			Buckets: prometheus.ExponentialBuckets(32, 2, 8),
		}, routeLabels),
	}
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// IncPanic is the OnPanic hook for the recover middleware.
func (m *ServerMetrics) IncPanic() { m.panics.Inc() }

// SetBuildInfoFromVersion publishes build metadata, once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(
		app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion,
	).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}
