package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Depth tracks queued actions across all owners after each enqueue or replay.
	Depth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_queue_depth",
			Help: "Number of queued actions awaiting delivery",
		},
	)

	// Enqueued tracks actions accepted for later delivery.
	Enqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_queue_enqueued_total",
			Help: "Total number of actions enqueued",
		},
		[]string{"action_type"},
	)

	// Deliveries tracks replay outcomes per action.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_queue_deliveries_total",
			Help: "Total number of replay attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "retry", "offline", "failed"
	)

	// Replays tracks replay runs.
	Replays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_queue_replays_total",
			Help: "Total number of replay runs",
		},
	)
)
