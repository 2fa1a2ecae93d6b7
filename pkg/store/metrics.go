package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PartitionErrors tracks Redis errors by partition operation.
	PartitionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_partition_errors_total",
			Help: "Total number of partition operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "evict", "drop", "keys"
	)

	// BytesWritten tracks body bytes written per partition.
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_partition_bytes_written_total",
			Help: "Total number of body bytes written to a partition",
		},
		[]string{"partition"},
	)
)
