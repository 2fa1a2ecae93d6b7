package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrDownloadFailed indicates the asset bytes could not be fetched or stored.
	ErrDownloadFailed = errors.New("download failed")

	// ErrManifestWriteFailed indicates the manifest rejected a write or was unreachable.
	ErrManifestWriteFailed = errors.New("manifest write failed")

	// ErrStorageQuotaExceeded indicates the owner's quota or the object store
	// has no room for the asset.
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotFound indicates the asset is not cached.
	ErrNotFound = errors.New("asset not cached")
)

// AssetError is returned by coordinator operations that fail for one asset.
// It matches both its Kind sentinel and the underlying cause with errors.Is.
type AssetError struct {
	Op      string
	OwnerID string
	AssetID string
	Kind    error
	Err     error
}

func (e *AssetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.OwnerID, e.AssetID, e.Kind)
	}
	return fmt.Sprintf("%s %s/%s: %v: %v", e.Op, e.OwnerID, e.AssetID, e.Kind, e.Err)
}

func (e *AssetError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func assetError(op, ownerID, assetID string, kind, err error) error {
	return &AssetError{Op: op, OwnerID: ownerID, AssetID: assetID, Kind: kind, Err: err}
}
