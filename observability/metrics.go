// Package observability wires structured logging and metrics through the
// cache core. Every dependency here is injected and nil-safe: a cache
// built with no logger or metrics behaves identically, just silently.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the cache core updates. Safe for
// concurrent use; safe to leave as the zero value via NewMetrics(nil).
type Metrics struct {
	registry *prometheus.Registry

	WritesTotal          *prometheus.CounterVec
	MaterializeDuration  *prometheus.HistogramVec
	CacheHitsTotal       *prometheus.CounterVec
	OptimisticLayersOpen prometheus.Gauge
	CanonicalRebuilds    prometheus.Counter
}

var (
	globalOnce sync.Once
	global     *Metrics
)

// NewMetrics creates a Metrics instance registered against registry. Pass
// nil to use a private, unregistered registry (useful in tests where
// repeated registration would otherwise panic).
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cachebay",
				Name:      "writes_total",
				Help:      "Total number of record writes, by outcome.",
			},
			[]string{"outcome"},
		),
		MaterializeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cachebay",
				Name:      "materialize_duration_seconds",
				Help:      "Materialize wall-clock duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cachebay",
				Name:      "cache_hit_total",
				Help:      "Materialize result-cache outcomes, by source.",
			},
			[]string{"source", "hit"},
		),
		OptimisticLayersOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cachebay",
				Name:      "optimistic_layers_active",
				Help:      "Number of optimistic layers currently committed or pending.",
			},
		),
		CanonicalRebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cachebay",
				Name:      "canonical_rebuilds_total",
				Help:      "Total number of canonical connection rebuilds.",
			},
		),
	}

	registry.MustRegister(
		m.WritesTotal,
		m.MaterializeDuration,
		m.CacheHitsTotal,
		m.OptimisticLayersOpen,
		m.CanonicalRebuilds,
	)

	return m
}

// Global returns a process-wide Metrics instance backed by its own
// registry (not Prometheus's default registry), created lazily on first
// use. Cache instances that don't need
// per-instance isolation can share this.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = NewMetrics(prometheus.NewRegistry())
	})
	return global
}

// Registry exposes the underlying registry, e.g. for an embedding
// application's own /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
