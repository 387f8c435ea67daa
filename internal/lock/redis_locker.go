package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLease = 5 * time.Second
	retryEvery   = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lease taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica of the service. The lease
// bounds how long a crashed holder can block others.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	wait   time.Duration
	log    *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, lease, wait time.Duration, log *slog.Logger) *RedisLocker {
	if lease <= 0 {
		lease = defaultLease
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisLocker{client: client, prefix: "checkout:lock:", lease: lease, wait: wait, log: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-time.After(retryEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return func() {
		// the caller's context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn("redis unlock failed", "key", key, "error", err)
		}
	}, nil
}
