// Package metrics exposes the Prometheus registry used by the offline cache.
// Collectors are defined in their owning packages (cache, store, coordinator,
// queue, connectivity) via promauto to keep those packages self-contained.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry all collectors register with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Runtime Interceptor Metrics (pkg/cache):
//   - offline_runtime_hits_total{partition} (Counter): fresh responses served from a partition
//   - offline_runtime_misses_total (Counter): lookups that went to the network
//   - offline_runtime_stale_served_total (Counter): stale copies served after a network failure
//   - offline_runtime_fallbacks_total (Counter): navigations answered with the cached root document
//   - offline_runtime_evictions_total (Counter): FIFO evictions past the item cap
//
// Partition Metrics (pkg/store):
//   - offline_partition_errors_total{operation} (Counter): Redis errors by operation
//   - offline_partition_bytes_written_total{partition} (Counter): bytes written per partition
//
// Asset Metrics (pkg/coordinator):
//   - offline_asset_downloads_total{outcome} (Counter): downloads by outcome
//   - offline_asset_downloaded_bytes_total (Counter): bytes written to the object store
//   - offline_asset_downloads_shared_total (Counter): callers that joined an in-flight download
//   - offline_sweep_deletions_total{reason} (Counter): expired, orphan_row or orphan_object removals
//
// Queue Metrics (pkg/queue):
//   - offline_queue_depth (Gauge): queued actions awaiting delivery
//   - offline_queue_enqueued_total{action_type} (Counter)
//   - offline_queue_deliveries_total{outcome} (Counter): sent, retry, offline or failed
//   - offline_queue_replays_total (Counter)
//
// Connectivity Metrics (pkg/connectivity):
//   - offline_origin_online (Gauge): 1 when the origin answers probes
//   - offline_connectivity_transitions_total{state} (Counter)
//   - offline_connectivity_probe_failures_total (Counter)
//
// Origin Client Metrics (pkg/client):
//   - offline_origin_requests_total{operation,status} (Counter)
//   - offline_origin_request_duration_seconds{operation} (Histogram)
//   - offline_origin_errors_total{class} (Counter)
//   - offline_origin_retries_total{error_class} (Counter)
//
// Bootstrap Metrics (pkg/bootstrap):
//   - offline_bootstrap_installs_total{outcome} (Counter)
//   - offline_bootstrap_partitions_dropped_total (Counter)
//
// Example Prometheus Queries:
//
//   # Runtime hit rate
//   sum(rate(offline_runtime_hits_total[5m])) /
//   (sum(rate(offline_runtime_hits_total[5m])) + rate(offline_runtime_misses_total[5m]))
//
//   # Offline minutes in the last hour
//   60 - sum_over_time(offline_origin_online[1h:1m])
