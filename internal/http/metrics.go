package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300}

// httpMetrics is nil-safe so handlers can record unconditionally.
type httpMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	streams     *prometheus.GaugeVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "devflow", Subsystem: "api", Name: name, Help: help}
	}
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("http_requests_total", "HTTP requests by route pattern and status")),
			[]string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Handler latency; bulk and backup routes block for the whole operation",
			Buckets:   latencyBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("rate_limited_total", "Requests refused by the rate limiter")),
			[]string{"class", "key"}),
		streams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts(opts("log_streams_open", "Deployment log streams currently attached")),
			[]string{"transport"}),
	}
	m.requests = reuse(reg, m.requests)
	m.latency = reuse(reg, m.latency)
	m.rateLimited = reuse(reg, m.rateLimited)
	m.streams = reuse(reg, m.streams)
	return m
}

// reuse registers c, returning the collector already registered under the
// same descriptor when there is one.
func reuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

func (m *httpMetrics) observe(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *httpMetrics) limited(class, key string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class, key).Inc()
}

// streamOpened tracks an attached subscriber; call the returned func on detach.
func (m *httpMetrics) streamOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.streams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}
