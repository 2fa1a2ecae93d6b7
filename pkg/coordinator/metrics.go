package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Downloads tracks asset downloads by outcome.
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_asset_downloads_total",
			Help: "Total number of asset downloads by outcome",
		},
		[]string{"outcome"}, // "cached", "download_failed", "quota_exceeded", "manifest_failed"
	)

	// DownloadedBytes tracks asset bytes written to the object store.
	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_asset_downloaded_bytes_total",
			Help: "Total number of asset bytes written to the object store",
		},
	)

	// SharedDownloads tracks download calls that shared one in-flight fetch.
	SharedDownloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_asset_downloads_shared_total",
			Help: "Total number of download calls that shared one in-flight fetch",
		},
	)

	// SweepDeletions tracks rows and objects removed by sweeps.
	SweepDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_sweep_deletions_total",
			Help: "Total number of assets removed by expiry sweeps",
		},
		[]string{"reason"}, // "expired", "orphan_row", "orphan_object"
	)
)
