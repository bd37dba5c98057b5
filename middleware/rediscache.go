package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "smithers:cache:"

// RedisCache is a CacheStore backed by Redis. Entries are stored as JSON with
// Redis-side expiry.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		logger: logger.With(zap.String("component", "middleware.rediscache")),
	}
}

// Get implements CacheStore.
func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set implements CacheStore. A zero ttl stores the entry without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

// Delete implements CacheStore.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, redisKeyPrefix+key).Err()
}

// TieredCache checks a fast local store before a shared remote one and
// backfills the local store on remote hits. Remote failures degrade to the
// local tier with a warning rather than failing the lookup.
type TieredCache struct {
	local  CacheStore
	remote CacheStore
	logger *zap.Logger
}

// NewTieredCache layers local in front of remote.
func NewTieredCache(local, remote CacheStore, logger *zap.Logger) *TieredCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredCache{
		local:  local,
		remote: remote,
		logger: logger.With(zap.String("component", "middleware.tieredcache")),
	}
}

// Get implements CacheStore.
func (c *TieredCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	if entry, err := c.local.Get(ctx, key); err == nil {
		return entry, nil
	}
	entry, err := c.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("remote cache read failed", zap.Error(err))
		}
		return nil, ErrCacheMiss
	}
	ttl := time.Duration(0)
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil, ErrCacheMiss
		}
	}
	if err := c.local.Set(ctx, key, entry, ttl); err != nil {
		c.logger.Warn("local backfill failed", zap.Error(err))
	}
	return entry, nil
}

// Set implements CacheStore. The local write always happens; a remote failure
// is logged and reported.
func (c *TieredCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, entry, ttl); err != nil {
		return err
	}
	if err := c.remote.Set(ctx, key, entry, ttl); err != nil {
		c.logger.Warn("remote cache write failed", zap.Error(err))
		return err
	}
	return nil
}

// Delete implements CacheStore.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	localErr := c.local.Delete(ctx, key)
	remoteErr := c.remote.Delete(ctx, key)
	if localErr != nil {
		return localErr
	}
	return remoteErr
}
