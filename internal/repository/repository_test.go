package repository

import (
	"context"
	"testing"
	"time"

	"coursepay/internal/infrastructure/database"
	"coursepay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	return db
}

func newPendingOrder(orderNo, buyer string) *model.Order {
	p, o := model.StatePending.Statuses()
	return &model.Order{
		OrderNo:       orderNo,
		BuyerID:       buyer,
		Kind:          model.OrderKindPurchase,
		PaymentMethod: model.PaymentMethodStripe,
		Amount:        3000,
		Currency:      "usd",
		PaymentStatus: p,
		OrderStatus:   o,
		Attempts:      1,
		Items: []model.OrderItem{{
			CourseID:                  "c1",
			Title:                     "Go",
			ListPrice:                 4000,
			OfferPrice:                3000,
			InstructorID:              "inst",
			InstructorSharePercentage: decimal.NewFromInt(70),
			AdminSharePercentage:      decimal.NewFromInt(30),
		}},
	}
}

func TestWalletRepository_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	repo := NewWalletRepository(newDB(t))

	w, err := repo.GetOrCreate(ctx, nil, "u1", model.OwnerTypeUser, "usd")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)

	again, err := repo.GetOrCreate(ctx, nil, "u1", model.OwnerTypeUser, "usd")
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	require.NoError(t, repo.ApplyDelta(ctx, nil, w, 500))
	assert.Equal(t, int64(500), w.Balance)
	assert.Equal(t, 1, w.Version)

	// stale copy loses the compare-and-set
	assert.ErrorIs(t, repo.ApplyDelta(ctx, nil, again, 100), ErrVersionConflict)
	// overdraft is refused even with a fresh version
	assert.ErrorIs(t, repo.ApplyDelta(ctx, nil, w, -501), ErrBalanceNotEnough)

	stored, err := repo.GetByOwner(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), stored.Balance)
}

func TestWalletRepository_ApplyDeltaStaleCopyIsConflictNotShortfall(t *testing.T) {
	ctx := context.Background()
	repo := NewWalletRepository(newDB(t))

	reader, err := repo.GetOrCreate(ctx, nil, "u1", model.OwnerTypeUser, "usd")
	require.NoError(t, err)
	stale := *reader

	require.NoError(t, repo.ApplyDelta(ctx, nil, reader, 500))
	require.NoError(t, repo.ApplyDelta(ctx, nil, reader, -200))

	// The stale copy must re-read before a shortfall can be judged,
	// whatever the debit size.
	assert.ErrorIs(t, repo.ApplyDelta(ctx, nil, &stale, -100), ErrVersionConflict)
	assert.ErrorIs(t, repo.ApplyDelta(ctx, nil, &stale, -1000), ErrVersionConflict)

	// Re-read at the current version: only now is the shortfall real.
	fresh, err := repo.GetByOwner(ctx, nil, "u1")
	require.NoError(t, err)
	assert.ErrorIs(t, repo.ApplyDelta(ctx, nil, fresh, -1000), ErrBalanceNotEnough)
	require.NoError(t, repo.ApplyDelta(ctx, nil, fresh, -300))
	assert.Zero(t, fresh.Balance)
}

func TestOrderRepository_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newDB(t))
	require.NoError(t, repo.Create(ctx, nil, newPendingOrder("ORD1", "b1")))

	require.NoError(t, repo.Transition(ctx, nil, "ORD1", model.StatePending, model.StateFailed,
		map[string]interface{}{"failure_reason": "card declined"}))
	// second writer with the same expectation loses
	assert.ErrorIs(t, repo.Transition(ctx, nil, "ORD1", model.StatePending, model.StateCompleted, nil), ErrOrderStatusInvalid)
	// transition table is enforced before touching the row
	assert.ErrorIs(t, repo.Transition(ctx, nil, "ORD1", model.StateFailed, model.StateCompleted, nil), ErrOrderStatusInvalid)

	order, err := repo.GetByOrderNo(ctx, nil, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, order.State())
	assert.Equal(t, "card declined", order.FailureReason)
	require.Len(t, order.Items, 1)
	assert.True(t, decimal.NewFromInt(70).Equal(order.Items[0].InstructorSharePercentage))
}

func TestOrderRepository_SessionAndLookups(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newDB(t))

	key := "idem-1"
	o := newPendingOrder("ORD2", "b1")
	o.IdempotencyKey = &key
	require.NoError(t, repo.Create(ctx, nil, o))
	require.NoError(t, repo.SetSession(ctx, nil, "ORD2", "cs_test_1", "https://pay/cs_test_1"))

	byRef, err := repo.GetByProviderRef(ctx, "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, "ORD2", byRef.OrderNo)

	byKey, err := repo.GetByIdempotencyKey(ctx, "b1", key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "ORD2", byKey.OrderNo)

	none, err := repo.GetByIdempotencyKey(ctx, "b2", key)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = repo.GetByOrderNo(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderRepository_GetAbandoned(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newDB(t))

	require.NoError(t, repo.Create(ctx, nil, newPendingOrder("ORD-A", "b1")))
	withSession := newPendingOrder("ORD-B", "b2")
	require.NoError(t, repo.Create(ctx, nil, withSession))
	require.NoError(t, repo.SetSession(ctx, nil, "ORD-B", "cs_b", ""))

	orders, err := repo.GetAbandoned(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ORD-A", orders[0].OrderNo)

	orders, err = repo.GetAbandoned(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrderRepository_GetStalled(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newDB(t))

	require.NoError(t, repo.Create(ctx, nil, newPendingOrder("ORD-A", "b1")))
	require.NoError(t, repo.Create(ctx, nil, newPendingOrder("ORD-B", "b2")))
	require.NoError(t, repo.SetSession(ctx, nil, "ORD-B", "cs_b", ""))

	orders, err := repo.GetStalled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ORD-B", orders[0].OrderNo)

	orders, err = repo.GetStalled(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestEnrollmentRepository_Grant(t *testing.T) {
	ctx := context.Background()
	repo := NewEnrollmentRepository(newDB(t))

	require.NoError(t, repo.Grant(ctx, nil, "u1", "c1", "ORD1"))
	assert.ErrorIs(t, repo.Grant(ctx, nil, "u1", "c1", "ORD2"), ErrAlreadyEnrolled)

	ids, err := repo.EnrolledCourseIDs(ctx, "u1", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	n, err := repo.RevokeByOrder(ctx, nil, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventRepository_RecordOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(newDB(t))

	first, err := repo.Record(ctx, nil, &model.ProcessedEvent{Provider: "stripe", EventID: "evt_1", EventType: "checkout.session.completed"})
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.Record(ctx, nil, &model.ProcessedEvent{Provider: "stripe", EventID: "evt_1", EventType: "checkout.session.completed"})
	require.NoError(t, err)
	assert.False(t, second)

	other, err := repo.Record(ctx, nil, &model.ProcessedEvent{Provider: "paypal", EventID: "evt_1", EventType: "x"})
	require.NoError(t, err)
	assert.True(t, other)

	ok, err := repo.Exists(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransactionRepository_SumAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newDB(t))

	orderNo := "ORD1"
	for i, amt := range []int64{1000, -300, 50} {
		require.NoError(t, repo.Create(ctx, nil, &model.WalletTransaction{
			TransactionNo: "TXN" + string(rune('a'+i)),
			WalletID:      1,
			OwnerID:       "u1",
			OrderNo:       &orderNo,
			Type:          model.TransactionTypeDeposit,
			Amount:        amt,
		}))
	}

	sum, err := repo.SumByWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(750), sum)

	list, total, err := repo.ListByOwner(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 2)

	byOrder, err := repo.ListByOrder(ctx, nil, orderNo)
	require.NoError(t, err)
	assert.Len(t, byOrder, 3)
}
