package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Registry keys.
const (
	RedisKeyPartitions       = "offline:partitions"
	RedisKeyActiveGeneration = "offline:active_generation"
)

// Registry tracks every partition this app has created so stale ones can be
// found and dropped on activation.
type Registry struct {
	redis *redis.Client
}

// NewRegistry creates a partition registry.
func NewRegistry(redisClient *redis.Client) *Registry {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Registry{redis: redisClient}
}

// Open registers the named partition and returns a handle to it.
func (r *Registry) Open(ctx context.Context, name string) (*Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}
	if err := r.redis.SAdd(ctx, RedisKeyPartitions, name).Err(); err != nil {
		return nil, fmt.Errorf("register partition %s: %w", name, err)
	}
	return NewPartition(r.redis, name), nil
}

// Names returns the registered partition names in sorted order.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, RedisKeyPartitions).Result()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes the named partition and unregisters it.
func (r *Registry) Drop(ctx context.Context, name string) error {
	if err := NewPartition(r.redis, name).Drop(ctx); err != nil {
		return fmt.Errorf("drop partition %s: %w", name, err)
	}
	if err := r.redis.SRem(ctx, RedisKeyPartitions, name).Err(); err != nil {
		return fmt.Errorf("unregister partition %s: %w", name, err)
	}
	return nil
}

// ActiveGeneration returns the generation last activated, or "" if none.
func (r *Registry) ActiveGeneration(ctx context.Context) (string, error) {
	gen, err := r.redis.Get(ctx, RedisKeyActiveGeneration).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("get active generation: %w", err)
	}
	return gen, nil
}

// SetActiveGeneration records gen as the active generation.
func (r *Registry) SetActiveGeneration(ctx context.Context, gen string) error {
	if err := r.redis.Set(ctx, RedisKeyActiveGeneration, gen, 0).Err(); err != nil {
		return fmt.Errorf("set active generation: %w", err)
	}
	return nil
}
