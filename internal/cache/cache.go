// Package cache wraps a Redis client behind the narrow surface the control
// plane's Redis-backed components actually call: refresh-token storage
// (internal/oauth), rate-limit counters (internal/ratelimit), and the
// optional cache-stats ops endpoint. A disabled Cache (Enabled=false) holds
// no client: Set, Delete, Expire and ScanKeys no-op, while Get, TTL and
// Increment return an error. cmd/controlplaned picks the in-process refresh
// store and rate limiter at construction when Redis is not configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a thin, JSON-encoding wrapper over *redis.Client.
type Cache struct {
	client *redis.Client
}

// Config selects how to reach Redis. Set URL to a redis:// connection
// string (the normal path, driven by CONTROL_PLANE_REDIS_URL) or leave it
// empty and fill in Host/Port/Password/DB individually. Enabled=false
// yields a disabled Cache.
type Config struct {
	URL      string
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

func dialOptions(config Config) (*redis.Options, error) {
	if config.URL != "" {
		return redis.ParseURL(config.URL)
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}, nil
}

// NewCache dials Redis and verifies the connection with a PING. A disabled
// config returns a usable Cache whose client is nil.
func NewCache(config Config) (*Cache, error) {
	if !config.Enabled {
		return &Cache{}, nil
	}

	opts, err := dialOptions(config)
	if err != nil {
		return nil, fmt.Errorf("cache: parse connection options: %w", err)
	}
	opts.PoolSize = 25
	opts.MinIdleConns = 5
	opts.MaxIdleConns = 10
	opts.ConnMaxLifetime = 5 * time.Minute
	opts.ConnMaxIdleTime = time.Minute
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close releases the underlying connection pool. Safe to call on a
// disabled Cache.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled reports whether this Cache talks to a real Redis instance.
func (c *Cache) IsEnabled() bool {
	return c.client != nil
}

// Get unmarshals the JSON stored at key into target.
func (c *Cache) Get(ctx context.Context, key string, target interface{}) error {
	if !c.IsEnabled() {
		return fmt.Errorf("cache: disabled")
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("cache: key %s not found", key)
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), target)
}

// Set marshals value as JSON and stores it at key with the given ttl. A
// zero ttl means no expiration. No-ops when the cache is disabled.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys. No-ops when the cache is disabled.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// ScanKeys returns every key matching pattern via a cursor-based SCAN,
// avoiding the KEYS command's whole-keyspace blocking behavior. Used by
// RevokeChain to enumerate a rotation chain's member index.
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if !c.IsEnabled() {
		return nil, nil
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Expire sets a TTL on an existing key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining time-to-live for key.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !c.IsEnabled() {
		return 0, fmt.Errorf("cache: disabled")
	}
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Increment atomically increments key by one, creating it at 1 if absent.
// The sliding-window rate limiter's Redis backend uses this for its
// per-window counters.
func (c *Cache) Increment(ctx context.Context, key string) (int64, error) {
	if !c.IsEnabled() {
		return 0, fmt.Errorf("cache: disabled")
	}
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return val, nil
}

// Stats reports pool and server-side counters for the cache-stats ops
// endpoint. A disabled Cache reports only its enabled flag.
func (c *Cache) Stats(ctx context.Context) (map[string]string, error) {
	if !c.IsEnabled() {
		return map[string]string{"enabled": "false"}, nil
	}
	info, err := c.client.Info(ctx, "stats").Result()
	if err != nil {
		return nil, fmt.Errorf("cache: info: %w", err)
	}
	pool := c.client.PoolStats()
	return map[string]string{
		"enabled":     "true",
		"info":        info,
		"hits":        fmt.Sprintf("%d", pool.Hits),
		"misses":      fmt.Sprintf("%d", pool.Misses),
		"total_conns": fmt.Sprintf("%d", pool.TotalConns),
		"idle_conns":  fmt.Sprintf("%d", pool.IdleConns),
		"stale_conns": fmt.Sprintf("%d", pool.StaleConns),
	}, nil
}
