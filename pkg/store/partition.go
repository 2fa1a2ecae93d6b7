package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates the key is not stored in the partition.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrQuotaExceeded indicates Redis rejected a write because it is out of memory.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Redis key layout. Every partition owns three kinds of keys:
//
//	offline:p:<name>:e:<key>  JSON-encoded Entry
//	offline:p:<name>:order    ZSET of keys scored by insertion sequence
//	offline:p:<name>:seq      insertion sequence counter
const keyPrefix = "offline:p:"

// Partition is a named, independently droppable store of entries kept in
// insertion order.
type Partition struct {
	redis *redis.Client
	name  string
}

// NewPartition returns a handle to the named partition. It does not register
// the partition; use Registry.Open for partitions subject to generation cleanup.
func NewPartition(redisClient *redis.Client, name string) *Partition {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Partition{redis: redisClient, name: name}
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

func (p *Partition) entryKey(key string) string {
	return keyPrefix + p.name + ":e:" + key
}

func (p *Partition) orderKey() string {
	return keyPrefix + p.name + ":order"
}

func (p *Partition) seqKey() string {
	return keyPrefix + p.name + ":seq"
}

// Get returns the entry stored under key, or ErrNotFound.
func (p *Partition) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := p.redis.Get(ctx, p.entryKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		PartitionErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		PartitionErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Has reports whether key is stored without loading the body.
func (p *Partition) Has(ctx context.Context, key string) (bool, error) {
	n, err := p.redis.Exists(ctx, p.entryKey(key)).Result()
	if err != nil {
		PartitionErrors.WithLabelValues("get").Inc()
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Put stores entry under entry.Key. Overwriting a key moves it to the
// newest insertion position.
func (p *Partition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("entry key cannot be empty")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		PartitionErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal entry: %w", err)
	}

	seq, err := p.redis.Incr(ctx, p.seqKey()).Result()
	if err != nil {
		PartitionErrors.WithLabelValues("put").Inc()
		return mapWriteError("redis incr", err)
	}

	_, err = p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.entryKey(entry.Key), data, 0)
		pipe.ZAdd(ctx, p.orderKey(), redis.Z{Score: float64(seq), Member: entry.Key})
		return nil
	})
	if err != nil {
		PartitionErrors.WithLabelValues("put").Inc()
		return mapWriteError("redis put", err)
	}

	BytesWritten.WithLabelValues(p.name).Add(float64(len(entry.Data)))
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (p *Partition) Delete(ctx context.Context, key string) error {
	_, err := p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.entryKey(key))
		pipe.ZRem(ctx, p.orderKey(), key)
		return nil
	})
	if err != nil {
		PartitionErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Len returns the number of entries.
func (p *Partition) Len(ctx context.Context) (int64, error) {
	n, err := p.redis.ZCard(ctx, p.orderKey()).Result()
	if err != nil {
		PartitionErrors.WithLabelValues("keys").Inc()
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}

// Keys returns all keys, oldest insertion first.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.redis.ZRange(ctx, p.orderKey(), 0, -1).Result()
	if err != nil {
		PartitionErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}

// EvictOldest removes the single oldest-inserted entry and returns its key.
// ZPOPMIN is atomic, so concurrent evictors each remove a distinct entry.
// Returns ErrNotFound if the partition is empty.
func (p *Partition) EvictOldest(ctx context.Context) (string, error) {
	popped, err := p.redis.ZPopMin(ctx, p.orderKey(), 1).Result()
	if err != nil {
		PartitionErrors.WithLabelValues("evict").Inc()
		return "", fmt.Errorf("redis zpopmin: %w", err)
	}
	if len(popped) == 0 {
		return "", ErrNotFound
	}

	key, _ := popped[0].Member.(string)
	if err := p.redis.Del(ctx, p.entryKey(key)).Err(); err != nil {
		PartitionErrors.WithLabelValues("evict").Inc()
		return key, fmt.Errorf("redis del: %w", err)
	}
	return key, nil
}

// Drop deletes every entry and the partition bookkeeping keys.
func (p *Partition) Drop(ctx context.Context) error {
	keys, err := p.Keys(ctx)
	if err != nil {
		return err
	}

	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		redisKeys := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			redisKeys = append(redisKeys, p.entryKey(key))
		}
		if err := p.redis.Del(ctx, redisKeys...).Err(); err != nil {
			PartitionErrors.WithLabelValues("drop").Inc()
			return fmt.Errorf("redis del entries: %w", err)
		}
	}

	if err := p.redis.Del(ctx, p.orderKey(), p.seqKey()).Err(); err != nil {
		PartitionErrors.WithLabelValues("drop").Inc()
		return fmt.Errorf("redis del bookkeeping: %w", err)
	}
	return nil
}

// mapWriteError turns Redis out-of-memory rejections into ErrQuotaExceeded.
func mapWriteError(op string, err error) error {
	if strings.HasPrefix(err.Error(), "OOM ") {
		return fmt.Errorf("%s: %w: %v", op, ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
