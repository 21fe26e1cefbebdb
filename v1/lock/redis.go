package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisPrefix = "latch:lock:"

var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store on a Redis server. Leases map to key expirations,
// acquisition and release run as Lua scripts so that both are atomic.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisPrefix sets the prefix prepended to lock names to build keys.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

func redisErr(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		err = fmt.Errorf("%w: %w", latcherrors.ErrConnectionClosed, err)
	}
	return latcherrors.Backend("redis", op, err)
}

func leaseMillis(hold time.Duration) int64 {
	if ms := hold.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// Acquire implements Store.Acquire.
func (r *Redis) Acquire(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key(name)}, owner, leaseMillis(hold)).Int64()
	if err != nil {
		return false, redisErr("acquire", err)
	}
	return n == 1, nil
}

// CurrentOwner implements Store.CurrentOwner.
func (r *Redis) CurrentOwner(ctx context.Context, name string) (string, error) {
	owner, err := r.client.Get(ctx, r.key(name)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", redisErr("current owner", err)
	}
	return owner, nil
}

// Release implements Store.Release.
func (r *Redis) Release(ctx context.Context, name, owner string) error {
	_, err := delScript.Run(ctx, r.client, []string{r.key(name)}, owner).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return redisErr("release", err)
	}
	return nil
}

// Refresh implements Refresher.
func (r *Redis) Refresh(ctx context.Context, name, owner string, hold time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(name)}, owner, leaseMillis(hold)).Int64()
	if err != nil {
		return false, redisErr("refresh", err)
	}
	return n == 1, nil
}
