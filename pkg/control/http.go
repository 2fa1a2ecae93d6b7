package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/coordinator"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// DefaultOwnerHeader carries the authenticated owner id.
const DefaultOwnerHeader = "X-Owner-ID"

const maxRequestBytes = 1 << 20

// ErrNoIdentity indicates a request without an owner.
var ErrNoIdentity = errors.New("no identity")

// IdentityProvider resolves the owner of a request.
type IdentityProvider interface {
	OwnerID(r *http.Request) (string, error)
}

// HeaderIdentity reads the owner id from a request header set by an
// authenticating gateway.
type HeaderIdentity struct {
	Header string
}

// OwnerID implements IdentityProvider.
func (h HeaderIdentity) OwnerID(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultOwnerHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// Handler serves control requests over HTTP: POST a Request, receive a Reply.
type Handler struct {
	dispatcher *Dispatcher
	identity   IdentityProvider
	logger     zerolog.Logger
}

// NewHandler creates a control handler.
func NewHandler(dispatcher *Dispatcher, identity IdentityProvider, logger zerolog.Logger) *Handler {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	return &Handler{dispatcher: dispatcher, identity: identity, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeReply(w, h.logger, http.StatusMethodNotAllowed,
			fail(CodeBadRequest, fmt.Errorf("method %s not allowed", r.Method)))
		return
	}

	ownerID, err := h.identity.OwnerID(r)
	if err != nil {
		writeReply(w, h.logger, http.StatusUnauthorized, fail(CodeUnauthorized, err))
		return
	}

	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeReply(w, h.logger, http.StatusBadRequest, fail(CodeBadRequest, fmt.Errorf("decode request: %w", err)))
		return
	}

	reply := h.dispatcher.Handle(r.Context(), ownerID, req)
	writeReply(w, h.logger, statusFor(reply), reply)
}

func statusFor(reply Reply) int {
	if reply.Success {
		return http.StatusOK
	}
	switch reply.Code {
	case CodeBadRequest, CodeUnknownType:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorageQuotaExceeded:
		return http.StatusInsufficientStorage
	case CodeDownloadFailed:
		return http.StatusBadGateway
	case CodeManifestWriteFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeReply(w http.ResponseWriter, logger zerolog.Logger, status int, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		logger.Warn().Err(err).Msg("Failed to write control reply")
	}
}

// Opener resolves a cached asset. *coordinator.Coordinator implements it.
type Opener interface {
	Open(ctx context.Context, ownerID, assetID string) (*store.Entry, manifest.Asset, error)
}

// AssetHandler serves downloaded assets from local storage. It expects the
// route to bind {asset_id}. Misses answer 404 and never reach the network.
type AssetHandler struct {
	opener   Opener
	identity IdentityProvider
	logger   zerolog.Logger
}

// NewAssetHandler creates an asset handler.
func NewAssetHandler(opener Opener, identity IdentityProvider, logger zerolog.Logger) *AssetHandler {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	return &AssetHandler{opener: opener, identity: identity, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *AssetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID, err := h.identity.OwnerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	assetID := r.PathValue("asset_id")
	if assetID == "" {
		http.Error(w, "asset id is required", http.StatusBadRequest)
		return
	}

	entry, asset, err := h.opener.Open(r.Context(), ownerID, assetID)
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		http.Error(w, "asset not cached", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("asset_id", assetID).Msg("Failed to open cached asset")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	for key, values := range entry.Headers {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))
	header.Set("X-Offline-Asset", asset.AssetID)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(entry.Data); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write asset body")
	}
}
