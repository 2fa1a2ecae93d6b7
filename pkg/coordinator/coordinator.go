// Package coordinator manages explicitly downloaded assets. Bytes live in an
// object partition and metadata in the manifest; the two stores fail
// independently and are reconciled by SweepExpired rather than by a shared
// transaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// Manifest is the metadata store. *manifest.Store implements it.
type Manifest interface {
	UpsertAsset(ctx context.Context, asset manifest.Asset) (manifest.Asset, error)
	SetAssetStatus(ctx context.Context, ownerID, assetID string, status manifest.Status) error
	GetAsset(ctx context.Context, ownerID, assetID string) (manifest.Asset, error)
	ListAssets(ctx context.Context, ownerID string, status manifest.Status) ([]manifest.Asset, error)
	ExpiredAssets(ctx context.Context, ownerID string, now time.Time) ([]manifest.Asset, error)
	TouchAsset(ctx context.Context, ownerID, assetID string, at time.Time) error
	DeleteAsset(ctx context.Context, ownerID, assetID string) error
	DeleteOwnerAssets(ctx context.Context, ownerID string) (int64, error)
	Owners(ctx context.Context) ([]string, error)
	Usage(ctx context.Context, ownerID string) (manifest.Usage, error)
}

// Objects is the byte store for downloaded assets. *store.Partition implements it.
type Objects interface {
	Get(ctx context.Context, key string) (*store.Entry, error)
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, entry *store.Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Downloader fetches asset bytes. *client.Client implements it.
type Downloader interface {
	Fetch(ctx context.Context, ref string) (*client.Payload, error)
}

// Config holds the quota and expiry settings.
type Config struct {
	// MaxBytes is the per-owner byte quota (0 = unlimited).
	MaxBytes int64

	// MaxItems is the per-owner item quota (0 = unlimited).
	MaxItems int

	// AssetTTL is how long a downloaded asset stays valid (0 = never expires).
	AssetTTL time.Duration
}

// DownloadRequest describes an asset to make available offline.
type DownloadRequest struct {
	SourceURL string         `json:"source_url"`
	AssetID   string         `json:"asset_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Coordinator orchestrates the object store and the manifest.
type Coordinator struct {
	manifest   Manifest
	objects    Objects
	downloader Downloader
	config     Config
	logger     zerolog.Logger

	inflight singleflight.Group

	mu  sync.RWMutex
	now func() time.Time
}

// New creates a coordinator.
func New(m Manifest, objects Objects, downloader Downloader, cfg Config, logger zerolog.Logger) (*Coordinator, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if downloader == nil {
		return nil, fmt.Errorf("downloader is required")
	}
	if cfg.MaxBytes < 0 || cfg.MaxItems < 0 {
		return nil, fmt.Errorf("quota limits must be >= 0")
	}
	if cfg.AssetTTL < 0 {
		return nil, fmt.Errorf("asset ttl must be >= 0")
	}

	return &Coordinator{
		manifest:   m,
		objects:    objects,
		downloader: downloader,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source (for testing).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Coordinator) clock() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().UTC()
}

// objectKey namespaces bytes per owner so owners never share or clear each
// other's objects.
func objectKey(ownerID, sourceURL string) string {
	return ownerPrefix(ownerID) + sourceURL
}

func ownerPrefix(ownerID string) string {
	return url.PathEscape(ownerID) + "/"
}

func ownerFromKey(key string) (string, bool) {
	escaped, _, ok := strings.Cut(key, "/")
	if !ok {
		return "", false
	}
	owner, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return owner, true
}

// Download fetches the asset into the object store and records it as cached.
// Concurrent calls for the same owner and asset share one fetch and one
// result. A started download runs to completion even if ctx is cancelled.
func (c *Coordinator) Download(ctx context.Context, ownerID string, req DownloadRequest) (manifest.Asset, error) {
	if ownerID == "" {
		return manifest.Asset{}, fmt.Errorf("owner id is required")
	}
	if req.AssetID == "" {
		return manifest.Asset{}, fmt.Errorf("asset id is required")
	}
	if req.SourceURL == "" {
		return manifest.Asset{}, fmt.Errorf("source url is required")
	}

	flightKey := url.PathEscape(ownerID) + "/" + req.AssetID
	v, err, shared := c.inflight.Do(flightKey, func() (any, error) {
		return c.download(context.WithoutCancel(ctx), ownerID, req)
	})
	if shared {
		SharedDownloads.Inc()
	}
	if err != nil {
		return manifest.Asset{}, err
	}
	return v.(manifest.Asset), nil
}

func (c *Coordinator) download(ctx context.Context, ownerID string, req DownloadRequest) (manifest.Asset, error) {
	logger := c.logger.With().Str("owner_id", ownerID).Str("asset_id", req.AssetID).Logger()

	previous, err := c.manifest.GetAsset(ctx, ownerID, req.AssetID)
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		Downloads.WithLabelValues("manifest_failed").Inc()
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrManifestWriteFailed, err)
	}
	hadPrevious := err == nil

	// A fresh download restarts at pending; the row leaves the cached set
	// until it completes, so the quota check below sees usage without it.
	// If the new bytes never land, a previously cached row is put back.
	if _, err := c.manifest.UpsertAsset(ctx, manifest.Asset{
		OwnerID:        ownerID,
		AssetID:        req.AssetID,
		SourceURL:      req.SourceURL,
		Status:         manifest.StatusPending,
		LastAccessedAt: c.clock(),
		Metadata:       req.Metadata,
	}); err != nil {
		Downloads.WithLabelValues("manifest_failed").Inc()
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrManifestWriteFailed, err)
	}
	if err := c.manifest.SetAssetStatus(ctx, ownerID, req.AssetID, manifest.StatusDownloading); err != nil {
		Downloads.WithLabelValues("manifest_failed").Inc()
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrManifestWriteFailed, err)
	}

	abandon := func() {
		if hadPrevious && previous.Status == manifest.StatusCached {
			c.restore(ctx, logger, previous)
			return
		}
		c.markFailed(ctx, logger, ownerID, req.AssetID)
	}

	payload, err := c.downloader.Fetch(ctx, req.SourceURL)
	if err != nil {
		abandon()
		Downloads.WithLabelValues("download_failed").Inc()
		logger.Warn().Err(err).Str("source_url", req.SourceURL).Msg("Asset download failed")
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrDownloadFailed, err)
	}
	size := payload.Size()

	quota, err := c.Quota(ctx, ownerID)
	if err != nil {
		abandon()
		Downloads.WithLabelValues("manifest_failed").Inc()
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrManifestWriteFailed, err)
	}
	if !quota.admits(size) {
		abandon()
		Downloads.WithLabelValues("quota_exceeded").Inc()
		logger.Warn().Int64("size_bytes", size).Str("quota", quota.String()).Msg("Asset rejected by quota")
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrStorageQuotaExceeded,
			fmt.Errorf("%d bytes does not fit %s", size, quota))
	}

	now := c.clock()
	if err := c.objects.Put(ctx, &store.Entry{
		Key:        objectKey(ownerID, req.SourceURL),
		Data:       payload.Data,
		StatusCode: payload.StatusCode,
		Headers:    payload.Header,
		CapturedAt: now,
		SourceKind: store.SourceDownload,
	}); err != nil {
		abandon()
		if errors.Is(err, store.ErrQuotaExceeded) {
			Downloads.WithLabelValues("quota_exceeded").Inc()
			return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrStorageQuotaExceeded, err)
		}
		Downloads.WithLabelValues("download_failed").Inc()
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrDownloadFailed, err)
	}
	DownloadedBytes.Add(float64(size))

	row := manifest.Asset{
		OwnerID:        ownerID,
		AssetID:        req.AssetID,
		SourceURL:      req.SourceURL,
		SizeBytes:      size,
		Status:         manifest.StatusCached,
		LastAccessedAt: now,
		Metadata:       req.Metadata,
	}
	if c.config.AssetTTL > 0 {
		row.ExpiresAt = now.Add(c.config.AssetTTL)
	}
	stored, err := c.manifest.UpsertAsset(ctx, row)
	if err != nil {
		// Bytes stay; the next sweep removes them as an orphan.
		c.markFailed(ctx, logger, ownerID, req.AssetID)
		Downloads.WithLabelValues("manifest_failed").Inc()
		logger.Error().Err(err).Msg("Manifest write failed after bytes were stored")
		return manifest.Asset{}, assetError("download", ownerID, req.AssetID, ErrManifestWriteFailed, err)
	}

	if hadPrevious && previous.SourceURL != req.SourceURL {
		if err := c.objects.Delete(ctx, objectKey(ownerID, previous.SourceURL)); err != nil {
			logger.Warn().Err(err).Str("source_url", previous.SourceURL).Msg("Failed to delete replaced asset bytes")
		}
	}

	Downloads.WithLabelValues("cached").Inc()
	logger.Info().
		Int64("size_bytes", size).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("Asset cached")
	return stored, nil
}

// restore puts a previously cached row back after a failed re-download. Its
// bytes were never overwritten.
func (c *Coordinator) restore(ctx context.Context, logger zerolog.Logger, previous manifest.Asset) {
	if _, err := c.manifest.UpsertAsset(ctx, previous); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore previously cached asset")
		c.markFailed(ctx, logger, previous.OwnerID, previous.AssetID)
		return
	}
	logger.Info().Str("source_url", previous.SourceURL).Msg("Kept previously cached asset")
}

func (c *Coordinator) markFailed(ctx context.Context, logger zerolog.Logger, ownerID, assetID string) {
	if err := c.manifest.SetAssetStatus(ctx, ownerID, assetID, manifest.StatusFailed); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark asset as failed")
	}
}

// Remove deletes the asset's bytes and manifest row. Removing an absent asset
// is not an error. sourceURL may be empty when the row is known.
func (c *Coordinator) Remove(ctx context.Context, ownerID, sourceURL, assetID string) error {
	if ownerID == "" || assetID == "" {
		return fmt.Errorf("owner id and asset id are required")
	}

	keys := make([]string, 0, 2)
	if sourceURL != "" {
		keys = append(keys, objectKey(ownerID, sourceURL))
	}
	row, err := c.manifest.GetAsset(ctx, ownerID, assetID)
	switch {
	case err == nil:
		if row.SourceURL != "" && row.SourceURL != sourceURL {
			keys = append(keys, objectKey(ownerID, row.SourceURL))
		}
	case errors.Is(err, manifest.ErrNotFound):
	default:
		return assetError("remove", ownerID, assetID, ErrManifestWriteFailed, err)
	}

	for _, key := range keys {
		if err := c.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete asset bytes: %w", err)
		}
	}
	if err := c.manifest.DeleteAsset(ctx, ownerID, assetID); err != nil {
		return assetError("remove", ownerID, assetID, ErrManifestWriteFailed, err)
	}

	c.logger.Info().Str("owner_id", ownerID).Str("asset_id", assetID).Msg("Asset removed")
	return nil
}

// List returns the owner's cached assets, most recently accessed first.
func (c *Coordinator) List(ctx context.Context, ownerID string) ([]manifest.Asset, error) {
	assets, err := c.manifest.ListAssets(ctx, ownerID, manifest.StatusCached)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// Quota returns the owner's usage against the configured limits.
func (c *Coordinator) Quota(ctx context.Context, ownerID string) (QuotaSnapshot, error) {
	usage, err := c.manifest.Usage(ctx, ownerID)
	if err != nil {
		return QuotaSnapshot{}, fmt.Errorf("asset usage: %w", err)
	}
	return newQuotaSnapshot(usage.Bytes, usage.Count, c.config.MaxBytes, c.config.MaxItems), nil
}

// Touch records an access to the asset. Touching an absent asset is a no-op.
func (c *Coordinator) Touch(ctx context.Context, ownerID, assetID string) error {
	err := c.manifest.TouchAsset(ctx, ownerID, assetID, c.clock())
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return assetError("touch", ownerID, assetID, ErrManifestWriteFailed, err)
	}
	return nil
}

// Open returns the cached bytes of an asset and records the access. A row
// whose bytes are gone is deleted and reported as ErrNotFound.
func (c *Coordinator) Open(ctx context.Context, ownerID, assetID string) (*store.Entry, manifest.Asset, error) {
	row, err := c.manifest.GetAsset(ctx, ownerID, assetID)
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, manifest.Asset{}, assetError("open", ownerID, assetID, ErrNotFound, nil)
	}
	if err != nil {
		return nil, manifest.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	if row.Status != manifest.StatusCached || row.IsExpired(c.clock()) {
		return nil, manifest.Asset{}, assetError("open", ownerID, assetID, ErrNotFound, nil)
	}

	entry, err := c.objects.Get(ctx, objectKey(ownerID, row.SourceURL))
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn().Str("owner_id", ownerID).Str("asset_id", assetID).Msg("Asset bytes missing, dropping manifest row")
		if err := c.manifest.DeleteAsset(ctx, ownerID, assetID); err != nil {
			c.logger.Warn().Err(err).Str("asset_id", assetID).Msg("Failed to delete orphan row")
		} else {
			SweepDeletions.WithLabelValues("orphan_row").Inc()
		}
		return nil, manifest.Asset{}, assetError("open", ownerID, assetID, ErrNotFound, nil)
	}
	if err != nil {
		return nil, manifest.Asset{}, fmt.Errorf("get asset bytes: %w", err)
	}

	if err := c.Touch(ctx, ownerID, assetID); err != nil {
		c.logger.Warn().Err(err).Str("asset_id", assetID).Msg("Failed to record asset access")
	}
	return entry, row, nil
}

// ClearAll deletes every object and manifest row of the owner and returns
// the number of rows removed.
func (c *Coordinator) ClearAll(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("owner id is required")
	}

	keys, err := c.ownerObjectKeys(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	rows, err := c.manifest.ListAssets(ctx, ownerID, "")
	if err != nil {
		return 0, fmt.Errorf("list assets: %w", err)
	}
	for _, row := range rows {
		keys[objectKey(ownerID, row.SourceURL)] = struct{}{}
	}
	for key := range keys {
		if err := c.objects.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("delete object: %w", err)
		}
	}

	n, err := c.manifest.DeleteOwnerAssets(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrManifestWriteFailed, err)
	}
	c.logger.Info().Str("owner_id", ownerID).Int64("assets", n).Int("objects", len(keys)).Msg("Owner cache cleared")
	return n, nil
}

func (c *Coordinator) ownerObjectKeys(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	all, err := c.objects.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	prefix := ownerPrefix(ownerID)
	keys := make(map[string]struct{})
	for _, key := range all {
		if strings.HasPrefix(key, prefix) {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Expired       int `json:"expired"`
	OrphanRows    int `json:"orphan_rows"`
	OrphanObjects int `json:"orphan_objects"`
}

// Total returns the number of deletions.
func (r SweepReport) Total() int {
	return r.Expired + r.OrphanRows + r.OrphanObjects
}

func (r *SweepReport) add(other SweepReport) {
	r.Expired += other.Expired
	r.OrphanRows += other.OrphanRows
	r.OrphanObjects += other.OrphanObjects
}

// SweepExpired deletes the owner's expired assets, cached rows whose bytes
// are missing and stored bytes that no cached or in-flight row refers to.
func (c *Coordinator) SweepExpired(ctx context.Context, ownerID string) (SweepReport, error) {
	var report SweepReport
	logger := c.logger.With().Str("owner_id", ownerID).Logger()

	expired, err := c.manifest.ExpiredAssets(ctx, ownerID, c.clock())
	if err != nil {
		return report, fmt.Errorf("list expired assets: %w", err)
	}
	for _, row := range expired {
		if err := c.manifest.SetAssetStatus(ctx, ownerID, row.AssetID, manifest.StatusExpired); err != nil {
			logger.Warn().Err(err).Str("asset_id", row.AssetID).Msg("Failed to mark asset expired")
		}
		if err := c.Remove(ctx, ownerID, row.SourceURL, row.AssetID); err != nil {
			return report, err
		}
		report.Expired++
		SweepDeletions.WithLabelValues("expired").Inc()
	}

	// Keys are listed before rows so bytes of a download finishing meanwhile
	// are never taken for orphans.
	keys, err := c.ownerObjectKeys(ctx, ownerID)
	if err != nil {
		return report, err
	}

	rows, err := c.manifest.ListAssets(ctx, ownerID, "")
	if err != nil {
		return report, fmt.Errorf("list assets: %w", err)
	}
	// Bytes are referenced by cached rows and by downloads still in flight.
	referenced := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key := objectKey(ownerID, row.SourceURL)
		switch row.Status {
		case manifest.StatusPending, manifest.StatusDownloading:
			referenced[key] = struct{}{}
			continue
		case manifest.StatusCached:
			referenced[key] = struct{}{}
		default:
			continue
		}
		ok, err := c.objects.Has(ctx, key)
		if err != nil {
			return report, fmt.Errorf("check object: %w", err)
		}
		if ok {
			continue
		}
		if err := c.manifest.DeleteAsset(ctx, ownerID, row.AssetID); err != nil {
			return report, assetError("sweep", ownerID, row.AssetID, ErrManifestWriteFailed, err)
		}
		report.OrphanRows++
		SweepDeletions.WithLabelValues("orphan_row").Inc()
	}

	for key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if err := c.objects.Delete(ctx, key); err != nil {
			return report, fmt.Errorf("delete orphan object: %w", err)
		}
		report.OrphanObjects++
		SweepDeletions.WithLabelValues("orphan_object").Inc()
	}

	if report.Total() > 0 {
		logger.Info().
			Int("expired", report.Expired).
			Int("orphan_rows", report.OrphanRows).
			Int("orphan_objects", report.OrphanObjects).
			Msg("Sweep completed")
	}
	return report, nil
}

// SweepAll runs SweepExpired for every owner that has rows or stored bytes.
func (c *Coordinator) SweepAll(ctx context.Context) (SweepReport, error) {
	var total SweepReport

	owners, err := c.manifest.Owners(ctx)
	if err != nil {
		return total, fmt.Errorf("list owners: %w", err)
	}
	seen := make(map[string]struct{}, len(owners))
	for _, owner := range owners {
		seen[owner] = struct{}{}
	}

	keys, err := c.objects.Keys(ctx)
	if err != nil {
		return total, fmt.Errorf("list objects: %w", err)
	}
	for _, key := range keys {
		owner, ok := ownerFromKey(key)
		if !ok {
			continue
		}
		if _, dup := seen[owner]; !dup {
			seen[owner] = struct{}{}
			owners = append(owners, owner)
		}
	}

	for _, owner := range owners {
		report, err := c.SweepExpired(ctx, owner)
		total.add(report)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", owner, err)
		}
	}
	return total, nil
}
