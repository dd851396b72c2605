// Package metrics exposes interception and query cache counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iTrooz/offline-cache/internal/intercept"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

const namespace = "offline_cache"

// Metrics implements intercept.Observer and query.Observer
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	writes        *prometheus.CounterVec
	queries       *prometheus.CounterVec
	invalidations prometheus.Counter
	warmRuns      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by resource class and cache outcome",
		}, []string{"class", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to serve an intercepted request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class"}),
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_writes_total",
			Help:      "Durable partition writes by partition kind and result",
		}, []string{"kind", "result"}),
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_events_total",
			Help:      "Query cache events by data domain",
		}, []string{"domain", "event"}),
		invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_invalidated_entries_total",
			Help:      "Query cache entries removed by invalidation",
		}),
		warmRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_runs_total",
			Help:      "Warmer runs by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Served(class strategy.Class, outcome intercept.Outcome, elapsed time.Duration) {
	m.requests.WithLabelValues(string(class), string(outcome)).Inc()
	m.duration.WithLabelValues(string(class)).Observe(elapsed.Seconds())
}

func (m *Metrics) Stored(kind strategy.Kind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) Hit(domain string)        { m.queries.WithLabelValues(domain, "hit").Inc() }
func (m *Metrics) Miss(domain string)       { m.queries.WithLabelValues(domain, "miss").Inc() }
func (m *Metrics) Shared(domain string)     { m.queries.WithLabelValues(domain, "shared").Inc() }
func (m *Metrics) FetchError(domain string) { m.queries.WithLabelValues(domain, "error").Inc() }

func (m *Metrics) Invalidated(count int) {
	m.invalidations.Add(float64(count))
}

// WarmRun counts a completed warmer run
func (m *Metrics) WarmRun(failed int) {
	if failed > 0 {
		m.warmRuns.WithLabelValues("partial").Inc()
		return
	}
	m.warmRuns.WithLabelValues("ok").Inc()
}
