// Package shardcache caches the latest-shard lookup for each
// (queue, region, type) so the allocator doesn't round-trip to Postgres on
// every tick (§4.1 starts by locating the latest shard). A miss falls
// through to the store and repopulates the cache; the allocator invalidates
// the cached entry after it creates a shard for that key.
package shardcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
)

const keyPrefix = "qakka:shard:latest:"

// entryTTL bounds how stale a cached "latest shard" can be relative to an
// allocator run that created a newer one on another process; the
// allocator's own tick interval is expected to be shorter, so a cache hit
// is refreshed well before it could mask a real rollover.
const entryTTL = 5 * time.Second

type wireShard struct {
	ShardID int64  `json:"shard_id"`
	Pivot   string `json:"pivot"`
}

// ShardCache is a go-redis-v8-backed cache in front of the Postgres shard
// table, grounded on the teacher's Lua-script get-by-name pattern: a
// single round trip resolves "does this key exist, and if so what is its
// value" instead of an existence check followed by a fetch.
type ShardCache struct {
	client *redis.Client
}

// getOrNegativeScript returns the cached value for KEYS[1], distinguishing
// "absent" from "cached empty" — the latter means a prior lookup found no
// shards at all for this key, which is itself worth remembering briefly so
// a freshly-created queue with no shards yet doesn't hammer Postgres.
var getOrNegativeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
    return nil
end
return v
`)

func New(addr, password string, db int) (*ShardCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("shard cache redis connection: %w", err)
	}
	return &ShardCache{client: client}, nil
}

func (c *ShardCache) Close() error {
	return c.client.Close()
}

func cacheKey(queue, region string, typ domain.RowType) string {
	return keyPrefix + queue + ":" + region + ":" + string(typ)
}

// Get returns (shard, true, nil) for a cached latest shard, (nil, true, nil)
// for a cached "no shards exist yet" result, and (nil, false, nil) on a
// cache miss or a failed lookup, which the caller resolves against the
// store. A cached value that cannot be decoded returns an error.
func (c *ShardCache) Get(ctx context.Context, queue, region string, typ domain.RowType) (*domain.Shard, bool, error) {
	key := cacheKey(queue, region, typ)
	raw, err := getOrNegativeScript.Run(ctx, c.client, []string{key}).Result()
	if err == redis.Nil || raw == nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("shard cache get: %w", err)
	}

	s, ok := raw.(string)
	if !ok || s == "" {
		return nil, true, nil
	}
	var w wireShard
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, false, fmt.Errorf("shard cache decode: %w", err)
	}
	pivot, err := parsePivot(w.Pivot)
	if err != nil {
		return nil, false, err
	}
	return &domain.Shard{Queue: queue, Region: region, Type: typ, ShardID: w.ShardID, Pivot: pivot}, true, nil
}

// Set caches sh as the latest shard for its key, or — if sh is nil — caches
// the "no shards exist" negative result.
func (c *ShardCache) Set(ctx context.Context, queue, region string, typ domain.RowType, sh *domain.Shard) error {
	key := cacheKey(queue, region, typ)
	if sh == nil {
		return c.client.Set(ctx, key, "", entryTTL).Err()
	}
	data, err := json.Marshal(wireShard{ShardID: sh.ShardID, Pivot: sh.Pivot.String()})
	if err != nil {
		return fmt.Errorf("shard cache encode: %w", err)
	}
	return c.client.Set(ctx, key, data, entryTTL).Err()
}

func parsePivot(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse cached pivot: %w", err)
	}
	return id, nil
}

// Invalidate drops the cached entry after a new shard is created, so the
// next Get falls through to the store and observes the new latest shard.
func (c *ShardCache) Invalidate(ctx context.Context, queue, region string, typ domain.RowType) error {
	return c.client.Del(ctx, cacheKey(queue, region, typ)).Err()
}
