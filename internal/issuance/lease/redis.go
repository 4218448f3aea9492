package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenfund/pkg/platform/sentinel"
)

const redisKeyPrefix = "lease:"

var (
	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// Redis stores leases as keys with a PX expiry; ownership checks run in Lua
// so check-and-set is atomic.
type Redis struct {
	client redis.Scripter
}

func NewRedis(client redis.Scripter) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok == 0 {
		return sentinel.ErrLeaseHeld
	}
	return nil
}

func (r *Redis) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := extendScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if ok == 0 {
		return sentinel.ErrLeaseLost
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
