package lock

import (
	"context"
	"errors"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/infrastructure/observability"

	"go.uber.org/zap"
)

const DefaultCheckoutTTL = 10 * time.Minute

// CheckoutLockManager serializes checkouts per buyer and refunds per order.
//
// 【Why lock per buyer?】
// Two checkouts from the same buyer racing would both see "not enrolled"
// and both see the same wallet balance:
//
//	request1: read balance=3000 -> debit 3000 -> balance=0
//	request2: read balance=3000 -> debit 3000 -> balance=-3000
//
// The ledger's version check would still stop the overdraw, but the buyer
// would get a confusing failure. The lock turns the second request into a
// clean LOCK_HELD it can retry. Different buyers never contend.
type CheckoutLockManager struct {
	locker Locker
	ttl    time.Duration
	logger *zap.Logger
}

func NewCheckoutLockManager(locker Locker, ttl time.Duration, logger *zap.Logger) *CheckoutLockManager {
	if ttl <= 0 {
		ttl = DefaultCheckoutTTL
	}
	return &CheckoutLockManager{locker: locker, ttl: ttl, logger: logger}
}

func (m *CheckoutLockManager) TTL() time.Duration { return m.ttl }

// Acquire takes the buyer's checkout lock or fails with apperr.ErrLockHeld.
func (m *CheckoutLockManager) Acquire(ctx context.Context, buyerID string) (*Handle, error) {
	return m.acquire(ctx, "checkout:buyer:"+buyerID)
}

// AcquireRefund takes the per-order refund lock.
func (m *CheckoutLockManager) AcquireRefund(ctx context.Context, orderNo string) (*Handle, error) {
	return m.acquire(ctx, "refund:order:"+orderNo)
}

func (m *CheckoutLockManager) acquire(ctx context.Context, key string) (*Handle, error) {
	h, err := m.locker.Acquire(ctx, key, m.ttl)
	if err != nil {
		if errors.Is(err, apperr.ErrLockHeld) {
			observability.CheckoutLockContentionTotal.Inc()
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, "acquire lock", err)
	}
	return h, nil
}

// Release is idempotent. Failures are logged; the lease still expires on its own.
func (m *CheckoutLockManager) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := m.locker.Release(context.WithoutCancel(ctx), h); err != nil {
		m.logger.Warn("release lock failed", zap.String("key", h.Key), zap.Error(err))
	}
}
