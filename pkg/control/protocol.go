// Package control implements the request/reply protocol between app pages
// and the background cache process. Every request gets exactly one reply of
// the form {success, data?, error?}.
package control

import (
	"encoding/json"
	"errors"

	"github.com/Sternrassler/offline-cache/pkg/coordinator"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
)

// Message types.
const (
	TypeCacheAudio        = "CACHE_AUDIO"
	TypeDeleteCachedAudio = "DELETE_CACHED_AUDIO"
	TypeGetCacheInfo      = "GET_CACHE_INFO"
	TypeClearCache        = "CLEAR_CACHE"
	TypeTouchCachedAudio  = "TOUCH_CACHED_AUDIO"
	TypeSweepExpired      = "SWEEP_EXPIRED"
	TypeEnqueueAction     = "ENQUEUE_ACTION"
	TypeGetQueueDepth     = "GET_QUEUE_DEPTH"
)

// Error codes carried in Reply.Code.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeNotFound             = "NOT_FOUND"
	CodeDownloadFailed       = "DOWNLOAD_FAILED"
	CodeStorageQuotaExceeded = "STORAGE_QUOTA_EXCEEDED"
	CodeManifestWriteFailed  = "MANIFEST_WRITE_FAILED"
	CodeInternal             = "INTERNAL"
)

// Request is one control message.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers exactly one Request.
type Reply struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func ok(data any) Reply {
	return Reply{Success: true, Data: data}
}

func fail(code string, err error) Reply {
	return Reply{Success: false, Error: err.Error(), Code: code}
}

// errorCode maps an operation error onto a protocol code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrStorageQuotaExceeded):
		return CodeStorageQuotaExceeded
	case errors.Is(err, coordinator.ErrDownloadFailed):
		return CodeDownloadFailed
	case errors.Is(err, coordinator.ErrManifestWriteFailed):
		return CodeManifestWriteFailed
	case errors.Is(err, coordinator.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// DeleteAudioPayload identifies an asset to remove.
type DeleteAudioPayload struct {
	SourceURL string `json:"source_url"`
	AssetID   string `json:"asset_id"`
}

// TouchAudioPayload identifies an asset that was played.
type TouchAudioPayload struct {
	AssetID string `json:"asset_id"`
}

// EnqueueActionPayload is a mutation to deliver later.
type EnqueueActionPayload struct {
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
}

// CacheInfo is the GET_CACHE_INFO reply data.
type CacheInfo struct {
	Quota        coordinator.QuotaSnapshot `json:"quota"`
	QuotaDisplay string                    `json:"quota_display"`
	Assets       []manifest.Asset          `json:"assets"`
	QueueDepth   int                       `json:"queue_depth"`
}
