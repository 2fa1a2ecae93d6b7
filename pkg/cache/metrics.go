package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RuntimeHits tracks responses served from a partition without a network call.
	RuntimeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_runtime_hits_total",
			Help: "Total number of responses served from cache without a network call",
		},
		[]string{"partition"}, // "runtime", "static"
	)

	// RuntimeMisses tracks lookups that went to the network.
	RuntimeMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_runtime_misses_total",
			Help: "Total number of runtime cache misses or stale entries",
		},
	)

	// StaleServed tracks stale copies served after a network failure.
	StaleServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_runtime_stale_served_total",
			Help: "Total number of stale responses served after a network failure",
		},
	)

	// NavigationFallbacks tracks navigations answered with the cached root document.
	NavigationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_runtime_fallbacks_total",
			Help: "Total number of navigations answered with the cached root document",
		},
	)

	// Evictions tracks FIFO evictions past the item cap.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_runtime_evictions_total",
			Help: "Total number of runtime entries evicted past the item cap",
		},
	)
)
