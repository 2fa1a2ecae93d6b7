// Package cache implements the runtime fetch interceptor.
//
// The Interceptor is an http.RoundTripper placed in front of the app origin.
// It handles only idempotent reads (GET, HEAD) aimed at the configured
// origin; cross-origin traffic and mutating requests pass through untouched,
// because foreign responses cannot be replayed safely and writes must never
// be answered from a stale copy.
//
// # Algorithm
//
// Stale-bounded cache-first, no background revalidation:
//
//  1. Look the request up in the runtime partition.
//  2. If the copy is younger than the freshness window, return it. No network call.
//  3. Otherwise fetch. A 200 response is stored, and if the partition now
//     exceeds its item cap the single oldest-inserted entry is evicted.
//     Eviction is insertion-order (FIFO), not LRU.
//  4. If the network fails, return the stale copy if any, else the shell copy
//     of the same request, else for navigations the cached root document,
//     else fail with ErrNetworkUnavailable.
//
// Paths under a static prefix are served cache-first from the static
// partition without an age limit.
//
// # Basic Usage
//
//	icpt, err := cache.NewInterceptor(http.DefaultTransport, cache.Partitions{
//		Shell:   shell,
//		Static:  static,
//		Runtime: runtime,
//	}, cache.Config{
//		Origin:          origin,
//		FreshnessWindow: 24 * time.Hour,
//		MaxItems:        50,
//		StaticPrefixes:  []string{"/static/"},
//	}, logger)
//
//	client := &http.Client{Transport: icpt}
//
// # Metrics
//
//   - offline_runtime_hits_total{partition} - Fresh responses served from cache
//   - offline_runtime_misses_total - Lookups that went to the network
//   - offline_runtime_stale_served_total - Stale copies served on network failure
//   - offline_runtime_fallbacks_total - Navigations answered with the root document
//   - offline_runtime_evictions_total - FIFO evictions
//
// The manifest layer (package coordinator) tracks true last access for
// downloaded assets; the FIFO here is a deliberately cheaper policy. Keep the
// two distinct if the caches are ever unified.
package cache
