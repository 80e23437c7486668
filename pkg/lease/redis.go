package lease

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lease keys in a shared redis
const keyPrefix = "mcp-gateway:lease:"

// renewScript extends the expiry only while the caller still holds the key
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the caller still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lease stored as a redis key with a TTL. It expires when the holder
// stops renewing, so a crashed leader is replaced after at most one TTL.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration
}

// NewRedisLease creates a lease on an existing client
func NewRedisLease(client redis.UniversalClient, name, holder string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{client: client, key: keyPrefix + name, holder: holder, ttl: ttl}
}

// Holder implements Lease
func (l *RedisLease) Holder() string {
	return l.holder
}

// Acquire implements Lease. Acquiring a lease already held by this holder renews it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", l.key)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx)
}

// Renew implements Lease
func (l *RedisLease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "failed to renew lease %s", l.key)
	}
	return n == 1, nil
}

// Release implements Lease. Releasing a lease held by someone else is a no-op.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "failed to release lease %s", l.key)
	}
	return nil
}
