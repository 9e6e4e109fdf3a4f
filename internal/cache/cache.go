// Package cache is the TTL-bounded key/value layer in front of the index
// store. Every operation degrades silently: a cache-store outage turns into
// misses and dropped writes, never into request failures.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Named cache prefixes and their TTLs.
const (
	PrefixPostAggregates = "agg"    // per post URI
	PrefixViewerState    = "viewer" // per (viewer DID, post URI)
	PrefixThreadContext  = "thread" // per anchor URI
	PrefixLabels         = "labels" // per subject
	PrefixMutesBlocks    = "hidden" // per viewer DID
)

// TTL per prefix. Unlisted prefixes fall back to DefaultTTL.
var prefixTTL = map[string]time.Duration{
	PrefixPostAggregates: 5 * time.Minute,
	PrefixViewerState:    10 * time.Minute,
	PrefixThreadContext:  30 * time.Minute,
	PrefixLabels:         time.Hour,
	PrefixMutesBlocks:    30 * time.Minute,
}

// DefaultTTL applies to prefixes without a configured TTL.
const DefaultTTL = 5 * time.Minute

// scanBatch bounds each SCAN step and each batched DEL during pattern
// invalidation.
const scanBatch = 100

// Cache wraps a Redis client with the prefix-per-type convention.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

// New wraps an existing client.
func New(rdb *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, log: logger}
}

// Key builds a namespaced cache key from a prefix and its parts.
func Key(prefix string, parts ...string) string {
	k := "cache:" + prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// TTLFor returns the TTL configured for a prefix.
func TTLFor(prefix string) time.Duration {
	if ttl, ok := prefixTTL[prefix]; ok {
		return ttl
	}
	return DefaultTTL
}

// Get unmarshals the cached value into dest. Returns false on miss,
// unmarshal failure, or store unavailability.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache get degraded", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.Debug("cache entry unmarshal failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set writes a value under the TTL of its prefix. Failures are logged and
// swallowed.
func (c *Cache) Set(ctx context.Context, prefix, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Debug("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, raw, TTLFor(prefix)).Err(); err != nil {
		c.log.Debug("cache set degraded", zap.String("key", key), zap.Error(err))
	}
}

// GetMany fetches several keys at once. The result maps key to raw value;
// misses are absent. Degrades to an empty map.
func (c *Cache) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Debug("cache mget degraded", zap.Int("keys", len(keys)), zap.Error(err))
		return out
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = json.RawMessage(s)
	}
	return out
}

// SetMany writes several values in one pipeline, each under its prefix TTL.
func (c *Cache) SetMany(ctx context.Context, prefix string, values map[string]any) {
	if len(values) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	ttl := TTLFor(prefix)
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("cache pipelined set degraded", zap.Int("keys", len(values)), zap.Error(err))
	}
}

// Delete removes specific keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Debug("cache delete degraded", zap.Int("keys", len(keys)), zap.Error(err))
	}
}

// InvalidatePattern removes every key matching the glob pattern using
// incremental SCAN in bounded batches. Never KEYS: the store stays
// responsive during bulk invalidation.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	var removed int
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			c.log.Debug("cache scan degraded", zap.String("pattern", pattern), zap.Error(err))
			return removed
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.log.Debug("cache batch delete degraded", zap.Error(err))
				return removed
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}
