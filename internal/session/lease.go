package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLease is a cross-process mutex on one Redis key. The value is the
// owner id, so only the holder can refresh or release it.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLease builds a lease on key for owner, expiring after ttl unless refreshed.
func NewRedisLease(client *redis.Client, key, owner string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, key: key, owner: owner, ttl: ttl}
}

// TryAcquire sets the key if absent. Re-acquiring a lease we already own succeeds.
func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx)
}

// Refresh extends the lease if we still own it.
func (l *RedisLease) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the key if we own it.
func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// Holder returns the current owner id, or "" when the lease is free.
func (l *RedisLease) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// HeldElsewhere reports whether another owner holds the lease.
func (l *RedisLease) HeldElsewhere(ctx context.Context) (bool, error) {
	h, err := l.Holder(ctx)
	if err != nil {
		return false, err
	}
	return h != "" && h != l.owner, nil
}

// Owner returns this lease's owner id.
func (l *RedisLease) Owner() string {
	return l.owner
}

var refreshScript = redis.NewScript(`
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
