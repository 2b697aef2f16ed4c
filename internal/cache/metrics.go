package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts coordinator activity for the /metrics endpoint.
type Metrics struct {
	Hits                prometheus.Counter
	Misses              prometheus.Counter
	Rebuilds            prometheus.Counter
	RebuildFailures     prometheus.Counter
	Evictions           prometheus.Counter
	StaleLockRecoveries prometheus.Counter
}

// NewMetrics creates coordinator metrics and registers them when a
// registerer is provided. A nil registerer yields working but unexported
// counters, which keeps tests independent of global registry state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_hits_total",
			Help: "Requests served from a fresh cache entry.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_misses_total",
			Help: "Requests that found no usable cache entry.",
		}),
		Rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_rebuilds_total",
			Help: "Timeline rebuilds executed against the upstream API.",
		}),
		RebuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_rebuild_failures_total",
			Help: "Timeline rebuilds that ended in an upstream error.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_evictions_total",
			Help: "Cache entries evicted by the recency cleanup pass.",
		}),
		StaleLockRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploytrail_cache_stale_lock_recoveries_total",
			Help: "Refresh locks reclaimed after exceeding the refresh timeout.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Rebuilds, m.RebuildFailures, m.Evictions, m.StaleLockRecoveries)
	}
	return m
}
