package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	resolutionsTotal   *prometheus.CounterVec
	cacheRebuildsTotal *prometheus.CounterVec
	adapterMounts      *prometheus.CounterVec
	adapterEvictions   prometheus.Counter
	mountedAdapters    prometheus.Gauge
	proxyRequests      *prometheus.HistogramVec
	validationWarnings prometheus.Counter

	registry *prometheus.Registry
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "pkigateway"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of destination resolutions by outcome",
		},
		[]string{"outcome"},
	)

	m.cacheRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_rebuilds_total",
			Help:      "Total number of pattern cache rebuilds by result",
		},
		[]string{"result"},
	)

	m.adapterMounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "mounts_total",
			Help:      "Total number of adapter mounts by kind",
		},
		[]string{"kind"},
	)

	m.adapterEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "evictions_total",
			Help:      "Total number of adapters evicted during sync",
		},
	)

	m.mountedAdapters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "mounted",
			Help:      "Number of currently mounted adapters",
		},
	)

	m.proxyRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds by status code",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	m.validationWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "validation_warnings_total",
			Help:      "Total number of profile validation warnings surfaced",
		},
	)

	m.registry.MustRegister(
		m.resolutionsTotal,
		m.cacheRebuildsTotal,
		m.adapterMounts,
		m.adapterEvictions,
		m.mountedAdapters,
		m.proxyRequests,
		m.validationWarnings,
	)

	return m
}

// RecordResolution records a destination resolution outcome
// ("matched", "miss", or "non_https").
func (m *Metrics) RecordResolution(outcome string) {
	m.resolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheRebuild records a pattern cache rebuild result ("ok" or "error").
func (m *Metrics) RecordCacheRebuild(result string) {
	m.cacheRebuildsTotal.WithLabelValues(result).Inc()
}

// RecordAdapterMount records an adapter mount ("tls" or "plain").
func (m *Metrics) RecordAdapterMount(kind string) {
	m.adapterMounts.WithLabelValues(kind).Inc()
}

// RecordAdapterEviction records an adapter eviction.
func (m *Metrics) RecordAdapterEviction() {
	m.adapterEvictions.Inc()
}

// SetMountedAdapters sets the current number of mounted adapters.
func (m *Metrics) SetMountedAdapters(n int) {
	m.mountedAdapters.Set(float64(n))
}

// ObserveProxyRequest records the duration of a proxied request.
func (m *Metrics) ObserveProxyRequest(status string, seconds float64) {
	m.proxyRequests.WithLabelValues(status).Observe(seconds)
}

// RecordValidationWarnings records profile validation warnings.
func (m *Metrics) RecordValidationWarnings(n int) {
	m.validationWarnings.Add(float64(n))
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
