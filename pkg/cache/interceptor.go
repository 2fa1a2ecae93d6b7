package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/rs/zerolog"
)

// ErrNetworkUnavailable is returned when the network failed and no cached
// substitute exists. It is always joined with the underlying transport error.
var ErrNetworkUnavailable = errors.New("network unavailable")

// RootPath is the document substituted for failed navigations.
const RootPath = "/"

// Store is the subset of a storage partition the interceptor needs.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*store.Entry, error)
	Put(ctx context.Context, entry *store.Entry) error
	Len(ctx context.Context) (int64, error)
	EvictOldest(ctx context.Context) (string, error)
}

// Partitions are the three generation-scoped stores the interceptor reads.
type Partitions struct {
	// Shell holds the precached app shell, used only as an offline fallback.
	Shell Store

	// Static holds fingerprinted assets served cache-first without expiry.
	Static Store

	// Runtime holds same-origin reads under the freshness window and item cap.
	Runtime Store
}

// Config holds the interceptor configuration.
type Config struct {
	// Origin is the app's own origin. Requests to any other origin pass through.
	Origin *url.URL

	// FreshnessWindow is the maximum age served without a network call.
	FreshnessWindow time.Duration

	// MaxItems caps the runtime partition; the oldest insertion is evicted past it.
	MaxItems int

	// StaticPrefixes are path prefixes routed to the static partition.
	StaticPrefixes []string

	// OwnerHeader carries the requesting identity. Runtime entries are keyed
	// per owner. Defaults to DefaultOwnerHeader.
	OwnerHeader string
}

// DefaultOwnerHeader is the identity header set by the authenticating gateway.
const DefaultOwnerHeader = "X-Owner-ID"

// Interceptor is an http.RoundTripper that serves same-origin reads from
// local partitions using a stale-bounded cache-first policy with no
// background revalidation. Failures never escape as anything but a
// RoundTrip error.
type Interceptor struct {
	next   http.RoundTripper
	config Config
	parts  atomic.Pointer[Partitions]
	now    func() time.Time
	logger zerolog.Logger
}

// NewInterceptor creates an interceptor delegating network calls to next.
func NewInterceptor(next http.RoundTripper, parts Partitions, cfg Config, logger zerolog.Logger) (*Interceptor, error) {
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if cfg.FreshnessWindow <= 0 {
		return nil, fmt.Errorf("freshness window must be > 0 (got %s)", cfg.FreshnessWindow)
	}
	if cfg.MaxItems <= 0 {
		return nil, fmt.Errorf("max items must be > 0 (got %d)", cfg.MaxItems)
	}
	if parts.Runtime == nil {
		return nil, fmt.Errorf("runtime partition is required")
	}
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = DefaultOwnerHeader
	}

	i := &Interceptor{
		next:   next,
		config: cfg,
		now:    time.Now,
		logger: logger,
	}
	i.parts.Store(&parts)
	return i, nil
}

// Use switches the interceptor to a new set of partitions. Requests already
// in flight finish against the partitions they started with.
func (i *Interceptor) Use(parts Partitions) {
	i.parts.Store(&parts)
}

// SetClock overrides the time source (for testing).
func (i *Interceptor) SetClock(now func() time.Time) {
	i.now = now
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.intercepts(req) {
		return i.next.RoundTrip(req)
	}

	parts := i.parts.Load()
	key := KeyForRequest(req).ForOwner(i.owner(req))

	if parts.Static != nil && i.isStatic(req.URL.Path) {
		return i.cacheFirst(req, parts, key.ForOwner(""))
	}
	return i.staleBounded(req, parts, key)
}

func (i *Interceptor) owner(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(i.config.OwnerHeader))
}

// storable reports whether resp may be written under key. Responses marked
// no-store are never kept; private or credentialed responses only under an
// owner-scoped key.
func storable(req *http.Request, resp *http.Response, key RequestKey) bool {
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") {
		return false
	}
	if key.Owner != "" {
		return true
	}
	if strings.Contains(cc, "private") {
		return false
	}
	return req.Header.Get("Authorization") == "" && req.Header.Get("Cookie") == ""
}

// intercepts reports whether req is a same-origin read that may be cached.
func (i *Interceptor) intercepts(req *http.Request) bool {
	if !isReadMethod(req.Method) {
		return false
	}
	if req.Header.Get("Range") != "" {
		return false
	}
	return strings.EqualFold(req.URL.Scheme, i.config.Origin.Scheme) &&
		strings.EqualFold(req.URL.Host, i.config.Origin.Host)
}

func (i *Interceptor) isStatic(path string) bool {
	for _, prefix := range i.config.StaticPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// staleBounded serves a fresh runtime copy without touching the network,
// otherwise fetches, stores and FIFO-evicts, falling back to stale or shell
// copies when the network fails.
func (i *Interceptor) staleBounded(req *http.Request, parts *Partitions, reqKey RequestKey) (*http.Response, error) {
	ctx := req.Context()
	now := i.now()
	key := reqKey.String()

	cached := i.lookup(ctx, parts.Runtime, key)
	if cached != nil && cached.IsFresh(now, i.config.FreshnessWindow) {
		RuntimeHits.WithLabelValues("runtime").Inc()
		i.logger.Debug().
			Str("key", key).
			Dur("age", cached.Age(now)).
			Msg("Runtime cache hit")
		return EntryToResponse(cached, req), nil
	}

	RuntimeMisses.Inc()
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return i.fallback(req, parts, reqKey, cached, err)
	}

	if resp.StatusCode != http.StatusOK || !storable(req, resp, reqKey) {
		return resp, nil
	}

	entry, err := ResponseToEntry(key, resp, now, store.SourceNetwork)
	if err != nil {
		return i.fallback(req, parts, reqKey, cached, err)
	}

	if err := parts.Runtime.Put(ctx, entry); err != nil {
		i.logger.Warn().Err(err).Str("key", key).Msg("Failed to store runtime response")
		return resp, nil
	}
	i.enforceCap(ctx, parts.Runtime)

	return resp, nil
}

// cacheFirst serves static assets from their partition whenever present.
func (i *Interceptor) cacheFirst(req *http.Request, parts *Partitions, reqKey RequestKey) (*http.Response, error) {
	ctx := req.Context()
	key := reqKey.String()

	if cached := i.lookup(ctx, parts.Static, key); cached != nil {
		RuntimeHits.WithLabelValues("static").Inc()
		return EntryToResponse(cached, req), nil
	}

	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return i.fallback(req, parts, reqKey, nil, err)
	}
	if resp.StatusCode != http.StatusOK || !storable(req, resp, reqKey) {
		return resp, nil
	}

	entry, err := ResponseToEntry(key, resp, i.now(), store.SourceNetwork)
	if err != nil {
		return i.fallback(req, parts, reqKey, nil, err)
	}
	if err := parts.Static.Put(ctx, entry); err != nil {
		i.logger.Warn().Err(err).Str("key", key).Msg("Failed to store static response")
	}
	return resp, nil
}

// enforceCap deletes the single oldest-inserted entry once the partition
// exceeds its cap. Concurrent callers may each evict one entry, which can
// over-evict slightly but never corrupts the partition.
func (i *Interceptor) enforceCap(ctx context.Context, s Store) {
	n, err := s.Len(ctx)
	if err != nil {
		i.logger.Warn().Err(err).Str("partition", s.Name()).Msg("Failed to count runtime entries")
		return
	}
	if n <= int64(i.config.MaxItems) {
		return
	}

	evicted, err := s.EvictOldest(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			i.logger.Warn().Err(err).Str("partition", s.Name()).Msg("Failed to evict runtime entry")
		}
		return
	}
	Evictions.Inc()
	i.logger.Debug().
		Str("partition", s.Name()).
		Str("evicted", evicted).
		Int64("size", n-1).
		Msg("Evicted oldest runtime entry")
}

// fallback picks a substitute after a network failure: the stale runtime
// copy, the shell copy of the same request, or the root document for
// navigations. Without one the read fails with ErrNetworkUnavailable.
func (i *Interceptor) fallback(req *http.Request, parts *Partitions, reqKey RequestKey, stale *store.Entry, netErr error) (*http.Response, error) {
	ctx := req.Context()
	key := reqKey.String()
	sharedKey := reqKey.ForOwner("").String()

	if stale != nil {
		StaleServed.Inc()
		i.logger.Warn().
			Err(netErr).
			Str("key", key).
			Dur("age", stale.Age(i.now())).
			Msg("Network failed, serving stale response")
		return EntryToResponse(stale, req), nil
	}

	if parts.Shell != nil {
		if shell := i.lookup(ctx, parts.Shell, sharedKey); shell != nil {
			StaleServed.Inc()
			return EntryToResponse(shell, req), nil
		}
	}

	if IsNavigation(req) {
		rootKey := RequestKey{Method: http.MethodGet, Path: RootPath}
		candidates := []struct {
			store Store
			key   string
		}{
			{parts.Shell, rootKey.String()},
			{parts.Runtime, rootKey.ForOwner(reqKey.Owner).String()},
		}
		for _, c := range candidates {
			s := c.store
			if s == nil {
				continue
			}
			if root := i.lookup(ctx, s, c.key); root != nil {
				NavigationFallbacks.Inc()
				i.logger.Warn().
					Err(netErr).
					Str("key", key).
					Str("partition", s.Name()).
					Msg("Network failed, serving cached root document")
				return EntryToResponse(root, req), nil
			}
		}
	}

	i.logger.Debug().Err(netErr).Str("key", key).Msg("Network failed with no cached substitute")
	return nil, fmt.Errorf("%w: %s: %w", ErrNetworkUnavailable, key, netErr)
}

// lookup returns the entry for key or nil. Store errors degrade to a miss.
func (i *Interceptor) lookup(ctx context.Context, s Store, key string) *store.Entry {
	entry, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			i.logger.Warn().Err(err).Str("key", key).Str("partition", s.Name()).Msg("Partition read failed")
		}
		return nil
	}
	return entry
}
