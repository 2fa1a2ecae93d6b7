package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/coordinator"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
)

// Assets is the asset cache surface. *coordinator.Coordinator implements it.
type Assets interface {
	Download(ctx context.Context, ownerID string, req coordinator.DownloadRequest) (manifest.Asset, error)
	Remove(ctx context.Context, ownerID, sourceURL, assetID string) error
	List(ctx context.Context, ownerID string) ([]manifest.Asset, error)
	Quota(ctx context.Context, ownerID string) (coordinator.QuotaSnapshot, error)
	Touch(ctx context.Context, ownerID, assetID string) error
	ClearAll(ctx context.Context, ownerID string) (int64, error)
	SweepExpired(ctx context.Context, ownerID string) (coordinator.SweepReport, error)
}

// Actions is the mutation queue surface. *queue.Queue implements it.
type Actions interface {
	Enqueue(ctx context.Context, ownerID, actionType string, payload json.RawMessage) (manifest.Action, error)
	Depth(ctx context.Context, ownerID string) (int, error)
}

// Dispatcher routes control requests to the asset cache and the queue.
type Dispatcher struct {
	assets  Assets
	actions Actions
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher. actions may be nil, in which case
// queue messages are rejected.
func NewDispatcher(assets Assets, actions Actions, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{assets: assets, actions: actions, logger: logger}
}

// Handle processes one request for ownerID and returns its reply.
func (d *Dispatcher) Handle(ctx context.Context, ownerID string, req Request) Reply {
	reply := d.handle(ctx, ownerID, req)

	event := d.logger.Debug()
	if !reply.Success {
		event = d.logger.Warn().Str("code", reply.Code).Str("error", reply.Error)
	}
	event.Str("type", req.Type).Str("owner_id", ownerID).Bool("success", reply.Success).Msg("Control request handled")
	return reply
}

func (d *Dispatcher) handle(ctx context.Context, ownerID string, req Request) Reply {
	if ownerID == "" {
		return fail(CodeUnauthorized, fmt.Errorf("owner id is required"))
	}

	switch req.Type {
	case TypeCacheAudio:
		var p coordinator.DownloadRequest
		if err := decode(req.Payload, &p); err != nil {
			return fail(CodeBadRequest, err)
		}
		if p.SourceURL == "" || p.AssetID == "" {
			return fail(CodeBadRequest, fmt.Errorf("source_url and asset_id are required"))
		}
		asset, err := d.assets.Download(ctx, ownerID, p)
		if err != nil {
			return fail(errorCode(err), err)
		}
		return ok(asset)

	case TypeDeleteCachedAudio:
		var p DeleteAudioPayload
		if err := decode(req.Payload, &p); err != nil {
			return fail(CodeBadRequest, err)
		}
		if p.AssetID == "" {
			return fail(CodeBadRequest, fmt.Errorf("asset_id is required"))
		}
		if err := d.assets.Remove(ctx, ownerID, p.SourceURL, p.AssetID); err != nil {
			return fail(errorCode(err), err)
		}
		return ok(nil)

	case TypeGetCacheInfo:
		return d.cacheInfo(ctx, ownerID)

	case TypeClearCache:
		n, err := d.assets.ClearAll(ctx, ownerID)
		if err != nil {
			return fail(errorCode(err), err)
		}
		return ok(map[string]int64{"removed": n})

	case TypeTouchCachedAudio:
		var p TouchAudioPayload
		if err := decode(req.Payload, &p); err != nil {
			return fail(CodeBadRequest, err)
		}
		if p.AssetID == "" {
			return fail(CodeBadRequest, fmt.Errorf("asset_id is required"))
		}
		if err := d.assets.Touch(ctx, ownerID, p.AssetID); err != nil {
			return fail(errorCode(err), err)
		}
		return ok(nil)

	case TypeSweepExpired:
		report, err := d.assets.SweepExpired(ctx, ownerID)
		if err != nil {
			return fail(errorCode(err), err)
		}
		return ok(report)

	case TypeEnqueueAction:
		if d.actions == nil {
			return fail(CodeUnknownType, fmt.Errorf("action queue is not enabled"))
		}
		var p EnqueueActionPayload
		if err := decode(req.Payload, &p); err != nil {
			return fail(CodeBadRequest, err)
		}
		if p.ActionType == "" {
			return fail(CodeBadRequest, fmt.Errorf("action_type is required"))
		}
		action, err := d.actions.Enqueue(ctx, ownerID, p.ActionType, p.Payload)
		if err != nil {
			return fail(CodeInternal, err)
		}
		return ok(action)

	case TypeGetQueueDepth:
		if d.actions == nil {
			return fail(CodeUnknownType, fmt.Errorf("action queue is not enabled"))
		}
		n, err := d.actions.Depth(ctx, ownerID)
		if err != nil {
			return fail(CodeInternal, err)
		}
		return ok(map[string]int{"depth": n})

	default:
		return fail(CodeUnknownType, fmt.Errorf("unknown message type %q", req.Type))
	}
}

func (d *Dispatcher) cacheInfo(ctx context.Context, ownerID string) Reply {
	quota, err := d.assets.Quota(ctx, ownerID)
	if err != nil {
		return fail(errorCode(err), err)
	}
	assets, err := d.assets.List(ctx, ownerID)
	if err != nil {
		return fail(errorCode(err), err)
	}

	info := CacheInfo{
		Quota:        quota,
		QuotaDisplay: quota.String(),
		Assets:       assets,
	}
	if d.actions != nil {
		// Queue depth is informational; a failure here does not fail the reply.
		if n, err := d.actions.Depth(ctx, ownerID); err == nil {
			info.QueueDepth = n
		} else {
			d.logger.Warn().Err(err).Msg("Queue depth unavailable")
		}
	}
	return ok(info)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
