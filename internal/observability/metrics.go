package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/flowq/internal/store"
)

// Metrics owns the Prometheus collectors of one server process.
type Metrics struct {
	registry *prometheus.Registry

	jobEvents     *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	applyErrors   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewMetrics registers the flowq collectors plus the Go and process
// collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "job_events_total",
			Help:      "Job lifecycle events by queue and type.",
		}, []string{"queue", "type"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowq",
			Name:      "apply_duration_seconds",
			Help:      "Time to replicate and apply one state machine op.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		applyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "apply_errors_total",
			Help:      "Ops rejected by the state machine or by replication, by error code.",
		}, []string{"op", "code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status class.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowq",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		m.jobEvents, m.applyDuration, m.applyErrors, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Publish implements store.Publisher so Metrics can be attached as an
// event sink.
func (m *Metrics) Publish(ev store.JobEvent) {
	m.jobEvents.WithLabelValues(ev.Queue, string(ev.Type)).Inc()
}

// ObserveApply records one replicated apply. Its signature matches
// raft.ApplyObserver.
func (m *Metrics) ObserveApply(op store.OpType, d time.Duration, err error) {
	m.applyDuration.WithLabelValues(op.String()).Observe(d.Seconds())
	if err != nil {
		code := string(store.CodeOf(err))
		if code == "" {
			code = "internal"
		}
		m.applyErrors.WithLabelValues(op.String(), code).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// GaugeFunc registers a gauge computed at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "flowq",
		Name:      name,
		Help:      help,
	}, fn))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
