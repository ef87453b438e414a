package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cedearwatch"

// Metrics groups the collectors shared by the resolution engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	cacheServes   *prometheus.CounterVec
	opportunities *prometheus.CounterVec
	symbolErrors  *prometheus.CounterVec
	sessionActive prometheus.Gauge
	batchDuration *prometheus.HistogramVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "source_attempts_total",
			Help:      "Live fetch attempts per source and outcome.",
		}, []string{"concept", "source", "outcome"}),
		cacheServes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_serves_total",
			Help:      "Values served from cache, fresh or stale.",
		}, []string{"concept", "source", "freshness"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbitrage",
			Name:      "opportunities_total",
			Help:      "Opportunities emitted by recommendation.",
		}, []string{"recommendation"}),
		symbolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_errors_total",
			Help:      "Per-symbol failures isolated inside batch operations.",
		}, []string{"operation"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_session_active",
			Help:      "1 when an authenticated broker session is attached.",
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of portfolio batch operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(m.attempts, m.cacheServes, m.opportunities, m.symbolErrors, m.sessionActive, m.batchDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SourceAttempt records one live fetch.
func (m *Metrics) SourceAttempt(concept, source string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.attempts.WithLabelValues(conceptKind(concept), source, outcome).Inc()
}

// CacheServe records a value answered from cache.
func (m *Metrics) CacheServe(concept, source string, stale bool) {
	if m == nil {
		return
	}
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	m.cacheServes.WithLabelValues(conceptKind(concept), source, freshness).Inc()
}

// Opportunity counts an emitted opportunity.
func (m *Metrics) Opportunity(recommendation string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(recommendation).Inc()
}

// SymbolError counts an isolated per-symbol failure.
func (m *Metrics) SymbolError(operation string) {
	if m == nil {
		return
	}
	m.symbolErrors.WithLabelValues(operation).Inc()
}

// SessionActive flips the session gauge.
func (m *Metrics) SessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
		return
	}
	m.sessionActive.Set(0)
}

// ObserveBatch records the duration of a batch operation in seconds.
func (m *Metrics) ObserveBatch(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(operation).Observe(seconds)
}

// conceptKind strips the per-symbol suffix ("price:AAPL" -> "price") so label
// cardinality stays bounded.
func conceptKind(concept string) string {
	kind, _, _ := strings.Cut(concept, ":")
	return kind
}
