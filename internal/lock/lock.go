// Package lock provides short-lived Redis locks and one-shot markers.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an expired
// lock re-acquired by someone else is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire tries once. ok is false when someone else holds the key.
// release is always safe to call.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (release func(), ok bool, err error) {
	token := uuid.NewString()
	full := l.prefix + key

	ok, err = l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		// the caller's ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{full}, token).Err()
	}, true, nil
}

// MarkOnce sets key if absent and reports whether this call set it. Unlike
// Acquire the key is not prefixed and never released; it just expires.
func (l *RedisLocker) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
