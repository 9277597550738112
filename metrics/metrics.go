// Package metrics provides Prometheus metrics for the caching proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHitsTotal counts requests answered from the cache, by partition.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_cache_hits_total",
			Help: "Requests answered from the cache",
		},
		[]string{"partition"},
	)

	// CacheMissesTotal counts cache lookups that found no usable entry.
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_cache_misses_total",
			Help: "Cache lookups that found no usable entry",
		},
		[]string{"partition"},
	)

	// NetworkFailuresTotal counts origin fetches that failed or timed out.
	NetworkFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_network_failures_total",
			Help: "Origin fetches that failed or timed out",
		},
	)

	// SyntheticResponsesTotal counts locally fabricated responses, by kind.
	SyntheticResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_synthetic_responses_total",
			Help: "Locally fabricated responses served when neither network nor cache could answer",
		},
		[]string{"kind"},
	)

	// MutationsEnqueuedTotal counts write requests queued for replay.
	MutationsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_mutations_enqueued_total",
			Help: "Write requests queued for replay",
		},
	)

	// MutationReplaysTotal counts replay attempts, by result.
	MutationReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_mutation_replays_total",
			Help: "Mutation replay attempts",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of pending mutations.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_queue_depth",
			Help: "Pending mutations awaiting replay",
		},
	)

	// SweptEntriesTotal counts expired entries removed by sweeps.
	SweptEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_swept_entries_total",
			Help: "Expired cache entries removed by sweeps",
		},
	)
)

// RecordLookup records a cache lookup outcome for a partition.
func RecordLookup(partition string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(partition).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(partition).Inc()
	}
}

// RecordSynthetic records a synthetic response being served.
func RecordSynthetic(kind string) {
	SyntheticResponsesTotal.WithLabelValues(kind).Inc()
}

// RecordReplay records a mutation replay attempt.
func RecordReplay(result string) {
	MutationReplaysTotal.WithLabelValues(result).Inc()
}
