package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend delegates storage and atomicity to a Redis server. Used in
// multi-instance deployments where the caches must be shared.
type RedisBackend struct {
	client     *redis.Client
	defaultTTL time.Duration
}

func NewRedisBackend(client *redis.Client, defaultTTL time.Duration) *RedisBackend {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisBackend{
		client:     client,
		defaultTTL: defaultTTL,
	}
}

var _ Backend = (*RedisBackend)(nil)

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Clear(ctx context.Context, prefix string) error {
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
