package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// RedisConfig captures connection parameters for the shared dedup cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisCache stores artifacts in Redis so dedup hits work across
// instances. Values are JSON; expiry rides on the key TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies it responds.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client (primarily for testing).
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func key(hash string) string {
	return "dedup:" + hash
}

// Lookup fetches the artifact stored under the hash, if any.
func (c *RedisCache) Lookup(ctx context.Context, hash string) (render.Artifact, bool, error) {
	raw, err := c.client.Get(ctx, key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return render.Artifact{}, false, nil
	}
	if err != nil {
		return render.Artifact{}, false, fmt.Errorf("redis get: %w", err)
	}
	var artifact render.Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return render.Artifact{}, false, fmt.Errorf("decode cached artifact: %w", err)
	}
	return artifact, true, nil
}

// Insert stores the artifact with the given TTL.
func (c *RedisCache) Insert(ctx context.Context, hash string, artifact render.Artifact, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := c.client.Set(ctx, key(hash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
