package lock

import (
	"context"
	"sync"
	"time"

	"coursepay/internal/apperr"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Handle identifies one successful acquisition.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker is a keyed mutual-exclusion lease with a TTL. Acquire fails with
// apperr.ErrLockHeld while another holder's lease is live. Release of a
// lease that expired or was taken over is a no-op.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	h := &Handle{Key: l.prefix + key, Token: uuid.NewString(), AcquiredAt: time.Now()}
	h.ExpiresAt = h.AcquiredAt.Add(ttl)

	ok, err := NewDistributedLock(l.client, h.Key, h.Token, ttl).TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrLockHeld
	}
	return h, nil
}

func (l *RedisLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := NewDistributedLock(l.client, h.Key, h.Token, 0).Unlock(ctx)
	return err
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker for single-instance deployments.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, apperr.ErrLockHeld
	}

	h := &Handle{Key: key, Token: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	l.entries[key] = memoryEntry{token: h.Token, expiresAt: h.ExpiresAt}
	return h, nil
}

func (l *MemoryLocker) Release(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[h.Key]; ok && e.token == h.Token {
		delete(l.entries, h.Key)
	}
	return nil
}

// Sweep drops expired entries.
func (l *MemoryLocker) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}
