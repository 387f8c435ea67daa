package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

// Each cart is a hash holding the cached copy (data, version), the lowest
// version still accepted (floor) and an eviction flag (evicted).
const (
	fieldData    = "data"
	fieldEvicted = "evicted"
)

// setScript writes the cart only if its version is not below the floor or the
// cached version, and the cart has not been evicted.
var setScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "evicted") then
	return 0
end
local v = tonumber(ARGV[1])
local floor = tonumber(redis.call("HGET", KEYS[1], "floor") or "0")
local cur = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if v < floor or v < cur then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "data", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// invalidateScript replaces the entry with a version floor, never lowering an
// existing one.
var invalidateScript = redis.NewScript(`
local floor = tonumber(redis.call("HGET", KEYS[1], "floor") or "0")
local evicted = redis.call("HGET", KEYS[1], "evicted")
local v = tonumber(ARGV[1])
if v > floor then
	floor = v
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "floor", floor)
if evicted then
	redis.call("HSET", KEYS[1], "evicted", "1")
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client:  client,
		baseTTL: ttl,
	}
}

type RedisCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	data, err := r.client.HGet(ctx, cacheKey(cartID), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

func (r *RedisCache) Set(ctx context.Context, cart *domain.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	// spread expiry so carts written together do not expire together
	jitter := time.Duration(rand.Int63n(int64(r.baseTTL/4) + 1))
	ttl := (r.baseTTL + jitter).Milliseconds()
	if err := setScript.Run(ctx, r.client, []string{cacheKey(cart.ID)}, cart.Version, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, cartID string, version int64) error {
	if err := invalidateScript.Run(ctx, r.client, []string{cacheKey(cartID)}, version, r.tombstoneTTL().Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Evict(ctx context.Context, cartID string) error {
	key := cacheKey(cartID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fieldEvicted, "1")
	pipe.PExpire(ctx, key, r.tombstoneTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis evict failed: %w", err)
	}
	return nil
}

// tombstoneTTL outlives any entry written before the tombstone.
func (r *RedisCache) tombstoneTTL() time.Duration {
	return r.baseTTL + r.baseTTL/4
}

func cacheKey(cartID string) string {
	return fmt.Sprintf("checkout:cart:%s", cartID)
}
