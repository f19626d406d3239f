// Package lock implements a Redis lease used to elect the instance that
// runs a periodic job.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries our token, so a
// lease that expired and was taken over is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a SET NX PX lock on one key.  It is not reentrant across
// instances but Acquire may be called again by the holder to extend it.
type Lease struct {
	rdb   *redis.Client
	key   string
	ttl   time.Duration
	token string
}

// NewLease returns a lease on key that lapses after ttl unless released.
func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, ttl: ttl, token: randomToken(16)}
}

// Acquire takes the lease if it is free or already ours.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	cur, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur != l.token {
		return false, nil
	}
	return true, l.rdb.PExpire(ctx, l.key, l.ttl).Err()
}

// Release gives the lease up if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// randomToken generates a random hexadecimal string of n bytes.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(b)
}
