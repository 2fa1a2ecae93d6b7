package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const assetColumns = `
	id,
	owner_id,
	asset_id,
	source_url,
	size_bytes,
	status,
	expires_at,
	last_accessed,
	metadata,
	created_at`

// UpsertAsset inserts or replaces the row for (OwnerID, AssetID) and returns
// the stored row. The row id and creation time survive replacement.
func (s *Store) UpsertAsset(ctx context.Context, asset Asset) (Asset, error) {
	if err := s.ready(ctx); err != nil {
		return Asset{}, err
	}

	asset.OwnerID = strings.TrimSpace(asset.OwnerID)
	asset.AssetID = strings.TrimSpace(asset.AssetID)
	if asset.OwnerID == "" {
		return Asset{}, fmt.Errorf("owner id is required")
	}
	if asset.AssetID == "" {
		return Asset{}, fmt.Errorf("asset id is required")
	}
	if !asset.Status.Valid() {
		return Asset{}, fmt.Errorf("invalid status %q", asset.Status)
	}
	if asset.SizeBytes < 0 {
		return Asset{}, fmt.Errorf("size must be >= 0")
	}

	now := time.Now().UTC()
	if asset.LastAccessedAt.IsZero() {
		asset.LastAccessedAt = now
	}
	metadata := asset.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Asset{}, fmt.Errorf("marshal metadata: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO cached_assets (
	id,
	owner_id,
	asset_id,
	source_url,
	size_bytes,
	status,
	expires_at,
	last_accessed,
	metadata,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, asset_id) DO UPDATE SET
	source_url = excluded.source_url,
	size_bytes = excluded.size_bytes,
	status = excluded.status,
	expires_at = excluded.expires_at,
	last_accessed = excluded.last_accessed,
	metadata = excluded.metadata
RETURNING `+assetColumns,
		uuid.NewString(),
		asset.OwnerID,
		asset.AssetID,
		asset.SourceURL,
		asset.SizeBytes,
		string(asset.Status),
		formatNullableTime(asset.ExpiresAt),
		formatTime(asset.LastAccessedAt),
		string(metadataJSON),
		formatTime(now),
	)

	stored, err := scanAsset(row)
	if err != nil {
		return Asset{}, fmt.Errorf("upsert asset: %w", err)
	}
	return stored, nil
}

// SetAssetStatus changes the status of an existing row.
func (s *Store) SetAssetStatus(ctx context.Context, ownerID, assetID string, status Status) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE cached_assets SET status = ? WHERE owner_id = ? AND asset_id = ?`,
		string(status), ownerID, assetID,
	)
	if err != nil {
		return fmt.Errorf("set asset status: %w", err)
	}
	return requireAffected(res)
}

// GetAsset returns the row for (ownerID, assetID) or ErrNotFound.
func (s *Store) GetAsset(ctx context.Context, ownerID, assetID string) (Asset, error) {
	if err := s.ready(ctx); err != nil {
		return Asset{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT`+assetColumns+`
FROM cached_assets
WHERE owner_id = ? AND asset_id = ?
`, ownerID, assetID)

	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns the owner's rows with the given status ("" for any),
// most recently accessed first.
func (s *Store) ListAssets(ctx context.Context, ownerID string, status Status) ([]Asset, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	query := `
SELECT` + assetColumns + `
FROM cached_assets
WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += `
ORDER BY last_accessed DESC, asset_id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	return scanAssets(rows)
}

// ExpiredAssets returns the owner's rows whose expiry is at or before now.
func (s *Store) ExpiredAssets(ctx context.Context, ownerID string, now time.Time) ([]Asset, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT`+assetColumns+`
FROM cached_assets
WHERE owner_id = ? AND expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at ASC
`, ownerID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired assets: %w", err)
	}
	defer rows.Close()

	return scanAssets(rows)
}

// TouchAsset sets last_accessed for an existing row. Returns ErrNotFound if
// the row does not exist.
func (s *Store) TouchAsset(ctx context.Context, ownerID, assetID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE cached_assets SET last_accessed = ? WHERE owner_id = ? AND asset_id = ?`,
		formatTime(at), ownerID, assetID,
	)
	if err != nil {
		return fmt.Errorf("touch asset: %w", err)
	}
	return requireAffected(res)
}

// DeleteAsset removes the row for (ownerID, assetID). Absent rows are not an error.
func (s *Store) DeleteAsset(ctx context.Context, ownerID, assetID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cached_assets WHERE owner_id = ? AND asset_id = ?`,
		ownerID, assetID,
	); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// DeleteOwnerAssets removes every row of the owner and returns how many were deleted.
func (s *Store) DeleteOwnerAssets(ctx context.Context, ownerID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cached_assets WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete owner assets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete owner assets: %w", err)
	}
	return n, nil
}

// Owners returns every owner with at least one row, sorted.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT owner_id FROM cached_assets ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	owners := make([]string, 0)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

// Usage sums size and count over the owner's cached rows.
func (s *Store) Usage(ctx context.Context, ownerID string) (Usage, error) {
	if err := s.ready(ctx); err != nil {
		return Usage{}, err
	}

	var usage Usage
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(size_bytes), 0), COUNT(1)
FROM cached_assets
WHERE owner_id = ? AND status = ?
`, ownerID, string(StatusCached)).Scan(&usage.Bytes, &usage.Count); err != nil {
		return Usage{}, fmt.Errorf("asset usage: %w", err)
	}
	return usage, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var (
		asset        Asset
		status       string
		expiresAt    sql.NullString
		lastAccessed string
		metadataJSON string
		createdAt    string
	)
	if err := row.Scan(
		&asset.ID,
		&asset.OwnerID,
		&asset.AssetID,
		&asset.SourceURL,
		&asset.SizeBytes,
		&status,
		&expiresAt,
		&lastAccessed,
		&metadataJSON,
		&createdAt,
	); err != nil {
		return Asset{}, err
	}

	asset.Status = Status(status)

	var err error
	if asset.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return Asset{}, err
	}
	if asset.LastAccessedAt, err = parseTime(lastAccessed); err != nil {
		return Asset{}, err
	}
	if asset.CreatedAt, err = parseTime(createdAt); err != nil {
		return Asset{}, err
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &asset.Metadata); err != nil {
			return Asset{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return asset, nil
}

func scanAssets(rows *sql.Rows) ([]Asset, error) {
	assets := make([]Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
