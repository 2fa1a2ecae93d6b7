package manifest

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("manifest row not found")

// Status is the lifecycle state of a cached asset.
type Status string

// Asset statuses. pending → downloading → cached | failed; cached → expired.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCached      Status = "cached"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCached, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Asset is one manifest row. There is exactly one row per (OwnerID, AssetID).
type Asset struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	AssetID        string         `json:"asset_id"`
	SourceURL      string         `json:"source_url"`
	SizeBytes      int64          `json:"size_bytes"`
	Status         Status         `json:"status"`
	ExpiresAt      time.Time      `json:"expires_at,omitzero"`
	LastAccessedAt time.Time      `json:"last_accessed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsExpired reports whether the asset has an expiry at or before now.
func (a Asset) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !a.ExpiresAt.After(now)
}

// Usage is the aggregate size of an owner's cached rows.
type Usage struct {
	Bytes int64
	Count int
}

// ActionStatus is the delivery state of a queued action.
type ActionStatus string

// Action statuses.
const (
	ActionQueued ActionStatus = "queued"
	ActionSent   ActionStatus = "sent"
	ActionFailed ActionStatus = "failed"
)

// Action is a mutation recorded while offline, delivered later in Seq order.
type Action struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	ActionType    string          `json:"action_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        ActionStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
