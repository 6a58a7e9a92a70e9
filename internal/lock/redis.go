package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release gives up a held lock. It is a no-op once the lock has expired or
// been taken by someone else.
type Release func(ctx context.Context) error

// RedisLocker is a cluster-wide advisory lock. A holder owns the key until it
// releases it or the TTL lapses, so a crashed holder never blocks forever.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	token     func() string
	release   *redis.Script
}

func NewRedisLocker(client redis.UniversalClient, keyPrefix string, token func() string) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if token == nil {
		return nil, fmt.Errorf("token generator is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "tileforge:lock"
	}

	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		token:     token,
		release: redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`),
	}, nil
}

// TryLock returns ok=false without waiting when the lock is held elsewhere.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	key := fmt.Sprintf("%s:%s", l.keyPrefix, name)
	token := l.token()

	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	release := func(ctx context.Context) error {
		if err := l.release.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}
