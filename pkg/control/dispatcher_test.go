package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/coordinator"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
)

type fakeAssets struct {
	downloadErr error
	removed     []string
	touched     []string
	cleared     string
	assets      []manifest.Asset
	quota       coordinator.QuotaSnapshot
}

func (f *fakeAssets) Download(ctx context.Context, ownerID string, req coordinator.DownloadRequest) (manifest.Asset, error) {
	if f.downloadErr != nil {
		return manifest.Asset{}, f.downloadErr
	}
	return manifest.Asset{OwnerID: ownerID, AssetID: req.AssetID, SourceURL: req.SourceURL, Status: manifest.StatusCached, SizeBytes: 42}, nil
}

func (f *fakeAssets) Remove(ctx context.Context, ownerID, sourceURL, assetID string) error {
	f.removed = append(f.removed, ownerID+"/"+assetID)
	return nil
}

func (f *fakeAssets) List(ctx context.Context, ownerID string) ([]manifest.Asset, error) {
	return f.assets, nil
}

func (f *fakeAssets) Quota(ctx context.Context, ownerID string) (coordinator.QuotaSnapshot, error) {
	return f.quota, nil
}

func (f *fakeAssets) Touch(ctx context.Context, ownerID, assetID string) error {
	f.touched = append(f.touched, assetID)
	return nil
}

func (f *fakeAssets) ClearAll(ctx context.Context, ownerID string) (int64, error) {
	f.cleared = ownerID
	return int64(len(f.assets)), nil
}

func (f *fakeAssets) SweepExpired(ctx context.Context, ownerID string) (coordinator.SweepReport, error) {
	return coordinator.SweepReport{Expired: 1}, nil
}

type fakeActions struct {
	enqueued []string
	depth    int
	depthErr error
}

func (f *fakeActions) Enqueue(ctx context.Context, ownerID, actionType string, payload json.RawMessage) (manifest.Action, error) {
	f.enqueued = append(f.enqueued, actionType)
	f.depth++
	return manifest.Action{ID: fmt.Sprintf("a%d", f.depth), OwnerID: ownerID, ActionType: actionType, Payload: payload}, nil
}

func (f *fakeActions) Depth(ctx context.Context, ownerID string) (int, error) {
	return f.depth, f.depthErr
}

func request(t *testing.T, typ string, payload any) Request {
	t.Helper()
	req := Request{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		req.Payload = raw
	}
	return req
}

func TestDispatcher_Codes(t *testing.T) {
	tests := []struct {
		name        string
		owner       string
		req         Request
		downloadErr error
		wantSuccess bool
		wantCode    string
	}{
		{
			name:        "cache audio",
			owner:       "u1",
			req:         Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"https://cdn.example.com/a.mp3","asset_id":"a"}`)},
			wantSuccess: true,
		},
		{
			name:     "cache audio without asset id",
			owner:    "u1",
			req:      Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"https://cdn.example.com/a.mp3"}`)},
			wantCode: CodeBadRequest,
		},
		{
			name:     "cache audio without payload",
			owner:    "u1",
			req:      Request{Type: TypeCacheAudio},
			wantCode: CodeBadRequest,
		},
		{
			name:     "malformed payload",
			owner:    "u1",
			req:      Request{Type: TypeCacheAudio, Payload: json.RawMessage(`[1,2]`)},
			wantCode: CodeBadRequest,
		},
		{
			name:        "download failed",
			owner:       "u1",
			req:         Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"x","asset_id":"a"}`)},
			downloadErr: fmt.Errorf("fetch: %w", coordinator.ErrDownloadFailed),
			wantCode:    CodeDownloadFailed,
		},
		{
			name:        "quota exceeded",
			owner:       "u1",
			req:         Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"x","asset_id":"a"}`)},
			downloadErr: fmt.Errorf("admit: %w", coordinator.ErrStorageQuotaExceeded),
			wantCode:    CodeStorageQuotaExceeded,
		},
		{
			name:        "manifest write failed",
			owner:       "u1",
			req:         Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"x","asset_id":"a"}`)},
			downloadErr: fmt.Errorf("record: %w", coordinator.ErrManifestWriteFailed),
			wantCode:    CodeManifestWriteFailed,
		},
		{
			name:        "unexpected error",
			owner:       "u1",
			req:         Request{Type: TypeCacheAudio, Payload: json.RawMessage(`{"source_url":"x","asset_id":"a"}`)},
			downloadErr: errors.New("boom"),
			wantCode:    CodeInternal,
		},
		{
			name:     "unknown type",
			owner:    "u1",
			req:      Request{Type: "PLAY_AUDIO"},
			wantCode: CodeUnknownType,
		},
		{
			name:     "missing owner",
			req:      Request{Type: TypeGetCacheInfo},
			wantCode: CodeUnauthorized,
		},
		{
			name:     "delete without asset id",
			owner:    "u1",
			req:      Request{Type: TypeDeleteCachedAudio, Payload: json.RawMessage(`{}`)},
			wantCode: CodeBadRequest,
		},
		{
			name:        "clear cache needs no payload",
			owner:       "u1",
			req:         Request{Type: TypeClearCache},
			wantSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(&fakeAssets{downloadErr: tt.downloadErr}, &fakeActions{}, zerolog.Nop())
			reply := d.Handle(context.Background(), tt.owner, tt.req)

			if reply.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (error %q)", reply.Success, tt.wantSuccess, reply.Error)
			}
			if reply.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", reply.Code, tt.wantCode)
			}
			if !reply.Success && reply.Error == "" {
				t.Error("failed reply has no error message")
			}
		})
	}
}

func TestDispatcher_CacheInfo(t *testing.T) {
	assets := &fakeAssets{
		assets: []manifest.Asset{{AssetID: "a", SizeBytes: 2 << 20}, {AssetID: "b", SizeBytes: 3 << 20}},
		quota:  coordinator.QuotaSnapshot{UsedBytes: 5 << 20, ItemCount: 2, MaxBytes: 100 << 20, MaxItems: 100, PercentUsed: 5},
	}
	actions := &fakeActions{depth: 3}
	d := NewDispatcher(assets, actions, zerolog.Nop())

	reply := d.Handle(context.Background(), "u1", Request{Type: TypeGetCacheInfo})
	if !reply.Success {
		t.Fatalf("GET_CACHE_INFO failed: %s", reply.Error)
	}
	info, ok := reply.Data.(CacheInfo)
	if !ok {
		t.Fatalf("Data = %T, want CacheInfo", reply.Data)
	}
	if info.Quota.UsedBytes != 5<<20 || info.Quota.ItemCount != 2 {
		t.Errorf("Quota = %+v", info.Quota)
	}
	if len(info.Assets) != 2 {
		t.Errorf("len(Assets) = %d, want 2", len(info.Assets))
	}
	if info.QueueDepth != 3 {
		t.Errorf("QueueDepth = %d, want 3", info.QueueDepth)
	}
	if info.QuotaDisplay != info.Quota.String() {
		t.Errorf("QuotaDisplay = %q, want %q", info.QuotaDisplay, info.Quota.String())
	}

	// A broken queue does not fail the reply.
	actions.depthErr = errors.New("database is locked")
	if reply := d.Handle(context.Background(), "u1", Request{Type: TypeGetCacheInfo}); !reply.Success {
		t.Errorf("GET_CACHE_INFO failed with queue error: %s", reply.Error)
	}
}

func TestDispatcher_Mutations(t *testing.T) {
	assets := &fakeAssets{assets: []manifest.Asset{{AssetID: "a"}}}
	actions := &fakeActions{}
	d := NewDispatcher(assets, actions, zerolog.Nop())
	ctx := context.Background()

	if reply := d.Handle(ctx, "u1", request(t, TypeDeleteCachedAudio, DeleteAudioPayload{AssetID: "a"})); !reply.Success {
		t.Fatalf("DELETE_CACHED_AUDIO failed: %s", reply.Error)
	}
	if len(assets.removed) != 1 || assets.removed[0] != "u1/a" {
		t.Errorf("removed = %v, want [u1/a]", assets.removed)
	}

	if reply := d.Handle(ctx, "u1", request(t, TypeTouchCachedAudio, TouchAudioPayload{AssetID: "a"})); !reply.Success {
		t.Fatalf("TOUCH_CACHED_AUDIO failed: %s", reply.Error)
	}
	if len(assets.touched) != 1 {
		t.Errorf("touched = %v", assets.touched)
	}

	reply := d.Handle(ctx, "u2", Request{Type: TypeClearCache})
	if !reply.Success || assets.cleared != "u2" {
		t.Errorf("CLEAR_CACHE = %+v, cleared %q", reply, assets.cleared)
	}

	reply = d.Handle(ctx, "u1", Request{Type: TypeSweepExpired})
	if report, ok := reply.Data.(coordinator.SweepReport); !ok || report.Expired != 1 {
		t.Errorf("SWEEP_EXPIRED data = %#v", reply.Data)
	}

	reply = d.Handle(ctx, "u1", request(t, TypeEnqueueAction, EnqueueActionPayload{
		ActionType: "like",
		Payload:    json.RawMessage(`{"track":"a"}`),
	}))
	if !reply.Success {
		t.Fatalf("ENQUEUE_ACTION failed: %s", reply.Error)
	}
	if len(actions.enqueued) != 1 || actions.enqueued[0] != "like" {
		t.Errorf("enqueued = %v", actions.enqueued)
	}

	reply = d.Handle(ctx, "u1", Request{Type: TypeGetQueueDepth})
	if depth, ok := reply.Data.(map[string]int); !ok || depth["depth"] != 1 {
		t.Errorf("GET_QUEUE_DEPTH data = %#v", reply.Data)
	}
}

func TestDispatcher_WithoutQueue(t *testing.T) {
	d := NewDispatcher(&fakeAssets{}, nil, zerolog.Nop())

	for _, typ := range []string{TypeEnqueueAction, TypeGetQueueDepth} {
		reply := d.Handle(context.Background(), "u1", Request{Type: typ, Payload: json.RawMessage(`{"action_type":"x"}`)})
		if reply.Success || reply.Code != CodeUnknownType {
			t.Errorf("%s = %+v, want %s", typ, reply, CodeUnknownType)
		}
	}

	if reply := d.Handle(context.Background(), "u1", Request{Type: TypeGetCacheInfo}); !reply.Success {
		t.Errorf("GET_CACHE_INFO without queue failed: %s", reply.Error)
	}
}
