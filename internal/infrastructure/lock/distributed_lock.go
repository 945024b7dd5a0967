package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis lease
// ============================================================================
//
// 【How the lease works】
//
// Acquire: SET key token NX EX ttl
//   - NX: only one holder can create the key
//   - EX: a crashed holder cannot keep the lock forever
//   - token: identifies the holder, so release can check ownership
//
// Release: a Lua script that compares the token and deletes in one step.
// A GET followed by a DEL could delete a lock that expired in between and
// was taken by someone else.
//
// ============================================================================

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock is a single Redis key taken with SET NX EX.
type DistributedLock struct {
	client     redis.Cmdable
	key        string
	value      string // holder token
	expiration time.Duration
}

func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock takes the lock without waiting.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock releases the lock if this holder still owns it. It reports whether
// a key was deleted.
func (l *DistributedLock) Unlock(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
