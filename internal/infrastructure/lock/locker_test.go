package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coursepay/internal/apperr"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	l := NewRedisLocker(client, "coursepay:")

	h, err := l.Acquire(ctx, "checkout:buyer:b1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("coursepay:checkout:buyer:b1"))
	assert.Equal(t, time.Minute, mr.TTL("coursepay:checkout:buyer:b1"))

	_, err = l.Acquire(ctx, "checkout:buyer:b1", time.Minute)
	assert.ErrorIs(t, err, apperr.ErrLockHeld)

	require.NoError(t, l.Release(ctx, h))
	assert.False(t, mr.Exists("coursepay:checkout:buyer:b1"))

	// releasing twice is harmless
	require.NoError(t, l.Release(ctx, h))
	require.NoError(t, l.Release(ctx, nil))
}

func TestRedisLocker_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	l := NewRedisLocker(client, "")

	first, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	second, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, first))
	assert.True(t, mr.Exists("k"), "stale release must not drop the new holder")

	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, second.Token, v)
}

func TestMemoryLocker_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "k", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), first.ExpiresAt)

	_, err = l.Acquire(ctx, "k", 10*time.Minute)
	assert.ErrorIs(t, err, apperr.ErrLockHeld)

	now = now.Add(10 * time.Minute)
	second, err := l.Acquire(ctx, "k", 10*time.Minute)
	require.NoError(t, err, "lease expires exactly at ExpiresAt")

	require.NoError(t, l.Release(ctx, first))
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, apperr.ErrLockHeld, "stale handle must not release the new lease")

	require.NoError(t, l.Release(ctx, second))
	require.NoError(t, l.Release(ctx, second))

	_, err = l.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	now = now.Add(time.Hour)
	assert.Equal(t, 1, l.Sweep())
}

func TestCheckoutLockManager_OneWinnerPerBuyer(t *testing.T) {
	for name, locker := range map[string]func(t *testing.T) Locker{
		"memory": func(t *testing.T) Locker { return NewMemoryLocker() },
		"redis": func(t *testing.T) Locker {
			_, client := newRedis(t)
			return NewRedisLocker(client, "")
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewCheckoutLockManager(locker(t), 0, zaptest.NewLogger(t))
			assert.Equal(t, DefaultCheckoutTTL, m.TTL())

			var won, held atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := m.Acquire(ctx, "buyer-1")
					if err == nil {
						won.Add(1)
						return
					}
					if assert.ErrorIs(t, err, apperr.ErrLockHeld) {
						held.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), won.Load())
			assert.Equal(t, int32(15), held.Load())

			// different buyers and refund keys do not contend
			h, err := m.Acquire(ctx, "buyer-2")
			require.NoError(t, err)
			r, err := m.AcquireRefund(ctx, "buyer-1")
			require.NoError(t, err)
			m.Release(ctx, h)
			m.Release(ctx, r)
			m.Release(ctx, nil)
		})
	}
}
