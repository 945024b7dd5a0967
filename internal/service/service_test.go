package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/gateway"
	"coursepay/internal/infrastructure/database"
	"coursepay/internal/infrastructure/lock"
	"coursepay/internal/ledger"
	"coursepay/internal/model"
	"coursepay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type refundCall struct {
	TxnID  string
	Amount int64
	Key    string
}

// fakeRemote is a provider rail whose sessions are idempotent on the order
// number, like Stripe's and PayPal's are on the idempotency key.
type fakeRemote struct {
	method   model.PaymentMethod
	provider string

	mu           sync.Mutex
	initiateKeys []string
	sessions     map[string]*gateway.Session
	captures     map[string]*gateway.CaptureResult
	refunds      []refundCall
	initiateErr  error

	// When set, Initiate signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakeRemote(method model.PaymentMethod, provider string) *fakeRemote {
	return &fakeRemote{
		method:   method,
		provider: provider,
		sessions: make(map[string]*gateway.Session),
		captures: make(map[string]*gateway.CaptureResult),
	}
}

func (f *fakeRemote) Method() model.PaymentMethod { return f.method }
func (f *fakeRemote) Provider() string            { return f.provider }

func (f *fakeRemote) Initiate(ctx context.Context, order *model.Order) (*gateway.Session, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateKeys = append(f.initiateKeys, order.OrderNo)
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	if s, ok := f.sessions[order.OrderNo]; ok {
		return s, nil
	}
	s := &gateway.Session{
		ProviderRef: f.provider + "_sess_" + order.OrderNo,
		URL:         "https://pay.example/" + order.OrderNo,
	}
	f.sessions[order.OrderNo] = s
	return s, nil
}

func (f *fakeRemote) Capture(_ context.Context, ref string) (*gateway.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.captures[ref]; ok {
		return c, nil
	}
	return &gateway.CaptureResult{Status: gateway.CapturePending}, nil
}

func (f *fakeRemote) Refund(_ context.Context, txnID string, amount int64, key string) (*gateway.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, refundCall{TxnID: txnID, Amount: amount, Key: key})
	return &gateway.RefundResult{RefundID: "re_" + key, Amount: amount, Status: gateway.CaptureSucceeded}, nil
}

// ParseWebhook accepts a JSON-encoded gateway.Event signed with "valid".
func (f *fakeRemote) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*gateway.Event, error) {
	if header.Get("X-Signature") != "valid" {
		return nil, apperr.Wrap(apperr.KindInvalidSignature, "bad signature", errors.New("mismatch"))
	}
	var ev gateway.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "malformed payload", err)
	}
	ev.Provider = f.provider
	return &ev, nil
}

func (f *fakeRemote) setCapture(ref string, c *gateway.CaptureResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[ref] = c
}

func (f *fakeRemote) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.initiateKeys...)
}

type testEnv struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	locks      *lock.CheckoutLockManager
	stripe     *fakeRemote
	settlement *SettlementService
	webhooks   *WebhookService
	wallets    *WalletService
	orders     *OrderService
	courses    *repository.CourseRepository
	coupons    *repository.CouponRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	l := ledger.New(db, "usd", 5, logger)
	locks := lock.NewCheckoutLockManager(lock.NewMemoryLocker(), 10*time.Minute, logger)
	stripe := newFakeRemote(model.PaymentMethodStripe, "stripe")
	registry := gateway.NewRegistry(gateway.NewWalletGateway(l), stripe)
	courses := repository.NewCourseRepository(db)

	settlement := NewSettlementService(db, l, locks, registry, courses,
		NewNotifier(repository.NewOutboxRepository(db), "coursepay.notifications"),
		SettlementConfig{Currency: "usd", PlatformOwnerID: "platform", MaxAttempts: 3},
		logger)

	return &testEnv{
		db:         db,
		ledger:     l,
		locks:      locks,
		stripe:     stripe,
		settlement: settlement,
		webhooks:   NewWebhookService(db, settlement, registry, logger),
		wallets:    NewWalletService(l, settlement, logger),
		orders:     NewOrderService(db),
		courses:    courses,
		coupons:    repository.NewCouponRepository(db),
	}
}

func (e *testEnv) addCourse(t *testing.T, id, instructor string, price int64, pct string) {
	t.Helper()
	require.NoError(t, e.courses.Save(context.Background(), &model.Course{
		ID:                        id,
		Title:                     "Course " + id,
		Price:                     price,
		OfferPrice:                price,
		InstructorID:              instructor,
		InstructorSharePercentage: decimal.RequireFromString(pct),
		IsPublished:               true,
		ApprovalStatus:            model.CourseApproved,
	}))
}

func (e *testEnv) deposit(t *testing.T, owner string, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.ledger.InTx(ctx, func(tx *gorm.DB) error {
		_, err := e.ledger.Post(ctx, tx, "", ledger.Entry{OwnerID: owner, Type: model.TransactionTypeDeposit, Amount: amount})
		return err
	}))
}

// balance reads a wallet without creating it.
func (e *testEnv) balance(t *testing.T, owner string) int64 {
	t.Helper()
	w, err := repository.NewWalletRepository(e.db).GetByOwner(context.Background(), nil, owner)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return 0
	}
	require.NoError(t, err)
	return w.Balance
}

func (e *testEnv) order(t *testing.T, orderNo string) *model.Order {
	t.Helper()
	o, err := repository.NewOrderRepository(e.db).GetByOrderNo(context.Background(), nil, orderNo)
	require.NoError(t, err)
	return o
}

func (e *testEnv) eventTypes(t *testing.T, orderNo string) []string {
	t.Helper()
	msgs, err := e.orders.Events(context.Background(), orderNo)
	require.NoError(t, err)
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	return types
}

func (e *testEnv) enrolled(t *testing.T, buyer string, courseIDs ...string) []string {
	t.Helper()
	ids, err := repository.NewEnrollmentRepository(e.db).EnrolledCourseIDs(context.Background(), buyer, courseIDs)
	require.NoError(t, err)
	return ids
}

// stall moves the service clock past the checkout lock TTL.
func (e *testEnv) stall() {
	e.settlement.now = func() time.Time { return time.Now().Add(time.Hour) }
}

func succeeded(ref, orderNo, id string, amount int64) *gateway.Event {
	return &gateway.Event{
		Provider:    "stripe",
		ID:          id,
		Type:        "checkout.session.completed",
		Kind:        gateway.EventPaymentSucceeded,
		ProviderRef: ref,
		OrderNo:     orderNo,
		Capture: &gateway.CaptureResult{
			Status:        gateway.CaptureSucceeded,
			Amount:        amount,
			Currency:      "usd",
			ProviderTxnID: "pi_" + orderNo,
		},
	}
}
