// Package redis provides a Redis implementation of the quotagate.Cache interface.
// Compound counter updates run as Lua scripts so they are atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Cache implements quotagate.Cache, quotagate.ScriptedCounter and
// quotagate.VersionedWriter using Redis
type Cache struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to every key in addition to the engine's own
	// prefix, e.g. to share a database between environments (default: "")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{}
}

// New creates a new Redis cache adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	c := &Cache{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	c.loadScripts()

	return c, nil
}

// loadScripts compiles the Lua scripts used for atomic counter updates
func (c *Cache) loadScripts() {
	// Increment and refresh TTL in one step
	c.scripts["incrementWithTTL"] = redis.NewScript(`
		local key = KEYS[1]
		local delta = tonumber(ARGV[1])
		local ttlMs = tonumber(ARGV[2])

		local n = redis.call('INCRBY', key, delta)
		if ttlMs > 0 then
			redis.call('PEXPIRE', key, ttlMs)
		end
		return n
	`)

	// Decrement, removing the key at zero or below
	c.scripts["decrementOrRemove"] = redis.NewScript(`
		local key = KEYS[1]
		local delta = tonumber(ARGV[1])

		if redis.call('EXISTS', key) == 0 then
			return 0
		end

		local n = redis.call('DECRBY', key, delta)
		if n <= 0 then
			redis.call('DEL', key)
			return 0
		end
		return n
	`)

	// Store a versioned value unless the current one carries a higher version
	c.scripts["putIfNewer"] = redis.NewScript(`
		local key = KEYS[1]
		local version = tonumber(ARGV[2])
		local ttlMs = tonumber(ARGV[3])

		local cur = redis.call('GET', key)
		if cur then
			local v = tonumber(string.match(cur, '^(%-?%d+):'))
			if v and v > version then
				return 0
			end
		end

		if ttlMs > 0 then
			redis.call('SET', key, ARGV[1], 'PX', ttlMs)
		else
			redis.call('SET', key, ARGV[1])
		end
		return 1
	`)
}

// Get implements quotagate.Cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, true, nil
}

// Put implements quotagate.Cache
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Increment implements quotagate.Cache
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, c.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

// Expire implements quotagate.Cache
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.PExpire(ctx, c.key(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return ok, nil
}

// Remove implements quotagate.Cache
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// IncrementWithTTL implements quotagate.ScriptedCounter
func (c *Cache) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := c.scripts["incrementWithTTL"].Run(
		ctx, c.client, []string{c.key(key)}, delta, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

// PutIfNewer implements quotagate.VersionedWriter
func (c *Cache) PutIfNewer(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	n, err := c.scripts["putIfNewer"].Run(
		ctx, c.client, []string{c.key(key)}, quotagate.EncodeVersioned(version, value), version, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return n == 1, nil
}

// DecrementOrRemove implements quotagate.ScriptedCounter
func (c *Cache) DecrementOrRemove(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.scripts["decrementOrRemove"].Run(
		ctx, c.client, []string{c.key(key)}, delta,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) key(key string) string {
	return c.config.KeyPrefix + key
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var (
	_ quotagate.Cache           = (*Cache)(nil)
	_ quotagate.ScriptedCounter = (*Cache)(nil)
)
