package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBags keeps each session bag in one Redis hash. Every write pushes the
// key expiry forward so abandoned sessions are collected by Redis.
type RedisBags struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisBags(client redis.UniversalClient, ttl time.Duration) *RedisBags {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBags{client: client, ttl: ttl}
}

func (r *RedisBags) Open(sessionKey string) Bag {
	return &redisBag{client: r.client, key: "checkout:session:" + sessionKey, ttl: r.ttl}
}

type redisBag struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func (b *redisBag) Get(ctx context.Context, slot string) ([]byte, bool, error) {
	v, err := b.client.HGet(ctx, b.key, slot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget %s: %w", slot, err)
	}
	return v, true, nil
}

func (b *redisBag) Set(ctx context.Context, slot string, value []byte) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.key, slot, value)
	pipe.Expire(ctx, b.key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", slot, err)
	}
	return nil
}

func (b *redisBag) Delete(ctx context.Context, slots ...string) error {
	if len(slots) == 0 {
		return nil
	}
	if err := b.client.HDel(ctx, b.key, slots...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}
