package store

import (
	"net/http"
	"time"
)

// SourceKind records how an entry got into a partition.
type SourceKind string

const (
	// SourceNetwork is a runtime copy of a same-origin network read.
	SourceNetwork SourceKind = "network"

	// SourcePrecache is a shell asset pinned at install time.
	SourcePrecache SourceKind = "precache"

	// SourceDownload is an explicitly downloaded asset.
	SourceDownload SourceKind = "download"
)

// Entry is a stored response: the request identity, its bytes and when it
// was captured. Partitions never interpret Data.
type Entry struct {
	// Key is the request identity the entry is stored under.
	Key string `json:"key"`

	// Data is the response body.
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the stored response.
	StatusCode int `json:"status_code"`

	// Headers are the response headers.
	Headers http.Header `json:"headers,omitempty"`

	// CapturedAt is when the response was stored.
	CapturedAt time.Time `json:"captured_at"`

	// SourceKind records how the entry was produced.
	SourceKind SourceKind `json:"source_kind"`
}

// Age returns how long ago the entry was captured relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CapturedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsFresh reports whether the entry is younger than window.
func (e *Entry) IsFresh(now time.Time, window time.Duration) bool {
	return e.Age(now) < window
}

// Size returns the number of body bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Data))
}
