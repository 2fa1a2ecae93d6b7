// Package store provides Redis-backed storage partitions.
//
// A Partition is a named bag of entries (request identity, body bytes,
// capture time) that remembers insertion order. The runtime interceptor uses
// that order for FIFO eviction; the asset coordinator uses a partition as its
// named object cache; bootstrap pins the shell into one and drops partitions
// from older generations through the Registry.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	registry := store.NewRegistry(redisClient)
//
//	runtime, err := registry.Open(ctx, "runtime-v3")
//	if err != nil {
//		return err
//	}
//
//	err = runtime.Put(ctx, &store.Entry{Key: "GET:/index.html", Data: body, CapturedAt: time.Now()})
//
//	if n, _ := runtime.Len(ctx); n > 50 {
//		_, _ = runtime.EvictOldest(ctx)
//	}
//
// Writes rejected by Redis for lack of memory surface as ErrQuotaExceeded.
package store
