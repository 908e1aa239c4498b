package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker coordinates leases across instances with SET NX PX and token-checked scripts.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker builds a locker on an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lock:"}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire sets the lease key with a random token if it is free.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{client: l.client, key: l.prefix + key, token: token}, nil
}

// Extend pushes the expiry forward if the token still owns the key.
func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the key if the token still owns it.
func (r *redisLease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
