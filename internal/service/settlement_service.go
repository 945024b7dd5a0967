package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/gateway"
	"coursepay/internal/infrastructure/lock"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/ledger"
	"coursepay/internal/model"
	"coursepay/internal/repository"
	"coursepay/pkg/idgen"
	"coursepay/pkg/money"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SettlementConfig struct {
	Currency        string
	PlatformOwnerID string
	// MaxAttempts caps initiate attempts per order, counting the first. 0 means no cap.
	MaxAttempts int
}

// CheckoutResult is what order creation and retry hand back to the buyer.
type CheckoutResult struct {
	Order   *model.Order     `json:"order"`
	Session *gateway.Session `json:"session,omitempty"`
}

// SettlementService turns carts into paid orders. Capture, revenue split,
// enrollment and the outbox events all commit in one ledger transaction.
type SettlementService struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	locks       *lock.CheckoutLockManager
	gateways    *gateway.Registry
	catalog     Catalog
	orders      *repository.OrderRepository
	enrollments *repository.EnrollmentRepository
	coupons     *repository.CouponRepository
	events      *repository.EventRepository
	notifier    *Notifier
	cfg         SettlementConfig
	logger      *zap.Logger
	now         func() time.Time
}

func NewSettlementService(
	db *gorm.DB,
	l *ledger.Ledger,
	locks *lock.CheckoutLockManager,
	gateways *gateway.Registry,
	catalog Catalog,
	notifier *Notifier,
	cfg SettlementConfig,
	logger *zap.Logger,
) *SettlementService {
	if cfg.PlatformOwnerID == "" {
		cfg.PlatformOwnerID = "platform"
	}
	return &SettlementService{
		db:          db,
		ledger:      l,
		locks:       locks,
		gateways:    gateways,
		catalog:     catalog,
		orders:      repository.NewOrderRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		coupons:     repository.NewCouponRepository(db),
		events:      repository.NewEventRepository(db),
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateOrder validates the cart, freezes prices under the buyer's checkout
// lock, persists a PENDING order and initiates payment. The lock is released
// only after the provider has answered.
//
// A wallet order that cannot be paid comes back FAILED together with an
// InsufficientFunds error.
func (s *SettlementService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CheckoutResult, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.CreateOrder")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.gateways.Get(req.PaymentMethod); err != nil {
		return nil, err
	}

	return s.checkout(ctx, req.BuyerID, req.IdempotencyKey, func() (*model.Order, error) {
		items, err := s.freezeItems(ctx, req.BuyerID, req.CourseIDs)
		if err != nil {
			return nil, err
		}
		discount, err := s.applyCoupon(ctx, req.CouponCode, items)
		if err != nil {
			return nil, err
		}

		var amount int64
		for _, it := range items {
			amount += it.OfferPrice
		}
		return &model.Order{
			OrderNo:        idgen.GenerateOrderNo(),
			BuyerID:        req.BuyerID,
			Kind:           model.OrderKindPurchase,
			PaymentMethod:  req.PaymentMethod,
			Amount:         amount,
			DiscountAmount: discount,
			Currency:       s.cfg.Currency,
			CouponCode:     req.CouponCode,
			Items:          items,
		}, nil
	})
}

// TopUp starts a provider payment whose settlement credits the owner's wallet.
func (s *SettlementService) TopUp(ctx context.Context, req *TopUpRequest) (*CheckoutResult, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.TopUp")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.gateways.Remote(req.PaymentMethod); err != nil {
		return nil, err
	}

	return s.checkout(ctx, req.OwnerID, req.IdempotencyKey, func() (*model.Order, error) {
		return &model.Order{
			OrderNo:       idgen.GenerateTopUpNo(),
			BuyerID:       req.OwnerID,
			Kind:          model.OrderKindTopUp,
			PaymentMethod: req.PaymentMethod,
			Amount:        req.Amount,
			Currency:      s.cfg.Currency,
		}, nil
	})
}

func (s *SettlementService) checkout(ctx context.Context, buyerID, idemKey string, build func() (*model.Order, error)) (*CheckoutResult, error) {
	if res, err := s.replay(ctx, buyerID, idemKey); err != nil || res != nil {
		return res, err
	}

	h, err := s.locks.Acquire(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(ctx, h)

	// A request holding the same key may have finished while we waited.
	if res, err := s.replay(ctx, buyerID, idemKey); err != nil || res != nil {
		return res, err
	}

	order, err := build()
	if err != nil {
		return nil, err
	}
	order.PaymentStatus, order.OrderStatus = model.StatePending.Statuses()
	order.Attempts = 1
	if idemKey != "" {
		order.IdempotencyKey = &idemKey
	}

	if err := s.orders.Create(ctx, nil, order); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && idemKey != "" {
			return s.replay(ctx, buyerID, idemKey)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	observability.OrdersCreatedTotal.WithLabelValues(string(order.PaymentMethod)).Inc()
	s.logger.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.String("buyer_id", order.BuyerID),
		zap.String("method", string(order.PaymentMethod)),
		zap.Int64("amount", order.Amount))

	return s.initiate(ctx, order)
}

// replay returns the order already created under the idempotency key, or nil.
func (s *SettlementService) replay(ctx context.Context, buyerID, idemKey string) (*CheckoutResult, error) {
	if idemKey == "" {
		return nil, nil
	}
	order, err := s.orders.GetByIdempotencyKey(ctx, buyerID, idemKey)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if order == nil {
		return nil, nil
	}
	return resultOf(order), nil
}

// initiate hands a PENDING order to its rail. The caller holds the buyer lock.
func (s *SettlementService) initiate(ctx context.Context, order *model.Order) (*CheckoutResult, error) {
	if order.Amount == 0 || !order.PaymentMethod.Remote() {
		if err := s.settle(ctx, order.OrderNo, nil, nil); err != nil {
			if ferr := s.markFailed(ctx, order.OrderNo, failureReason(err), nil); ferr != nil {
				s.logger.Error("mark order failed", zap.String("order_no", order.OrderNo), zap.Error(ferr))
			}
			res, rerr := s.result(ctx, order.OrderNo)
			if rerr != nil {
				return nil, err
			}
			return res, err
		}
		return s.result(ctx, order.OrderNo)
	}

	gw, err := s.gateways.Remote(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	sess, err := gw.Initiate(ctx, order)
	if err != nil {
		s.logger.Warn("initiate payment failed", zap.String("order_no", order.OrderNo), zap.Error(err))
		if ferr := s.markFailed(ctx, order.OrderNo, failureReason(err), nil); ferr != nil {
			s.logger.Error("mark order failed", zap.String("order_no", order.OrderNo), zap.Error(ferr))
		}
		return nil, err
	}
	if err := s.orders.SetSession(ctx, nil, order.OrderNo, sess.ProviderRef, sess.URL); err != nil {
		return nil, translate(err)
	}

	res, err := s.result(ctx, order.OrderNo)
	if err != nil {
		return nil, err
	}
	res.Session = sess
	return res, nil
}

// CompleteCapture settles an order whose payment the provider has confirmed.
// A capture that does not match the frozen amount fails the order instead.
func (s *SettlementService) CompleteCapture(ctx context.Context, orderNo string, capture *gateway.CaptureResult, ev *gateway.Event) error {
	order, err := s.orders.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return translate(err)
	}
	if capture.Amount != order.Amount || (capture.Currency != "" && !sameCurrency(capture.Currency, order.Currency)) {
		s.logger.Error("captured amount does not match order",
			zap.String("order_no", orderNo),
			zap.Int64("order_amount", order.Amount),
			zap.Int64("captured", capture.Amount),
			zap.String("currency", capture.Currency))
		return s.FailPayment(ctx, orderNo, "captured amount mismatch", ev)
	}
	err = s.settle(ctx, orderNo, capture, ev)
	if errors.Is(err, apperr.ErrAlreadyEnrolled) {
		// 【The buyer already owns the course】
		// Another order (a wallet purchase while this checkout was open, say)
		// enrolled the buyer first. settle rolled back in full, so the provider
		// holds money nothing was granted for. Give it back and acknowledge the
		// event; returning the error would make the provider redeliver forever.
		return s.refundSuperseded(ctx, order, capture, ev)
	}
	return err
}

// reasonCaptureRefunded marks a FAILED order whose capture was handed back
// because the buyer was enrolled by another order. Such an order never
// settles or retries again.
const reasonCaptureRefunded = "already enrolled, payment refunded"

// refundSuperseded fails a captured order that can no longer be fulfilled
// and refunds the capture on the provider under refund-<orderNo>, so a
// second event for the same capture refunds nothing twice.
func (s *SettlementService) refundSuperseded(ctx context.Context, order *model.Order, capture *gateway.CaptureResult, ev *gateway.Event) error {
	gw, err := s.gateways.Remote(order.PaymentMethod)
	if err != nil {
		return err
	}
	orderNo := order.OrderNo
	refundNo := idgen.GenerateRefundNo()
	refunded := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ev != nil {
			fresh, err := s.recordEvent(ctx, tx, ev, orderNo)
			if err != nil || !fresh {
				return err
			}
		}
		cur, err := s.orders.GetByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return translate(err)
		}
		switch {
		case cur.State() == model.StatePending:
			if err := s.orders.Transition(ctx, tx, orderNo, model.StatePending, model.StateFailed, map[string]interface{}{
				"failure_reason":  reasonCaptureRefunded,
				"provider_txn_id": capture.ProviderTxnID,
			}); err != nil {
				return translate(err)
			}
		case cur.State() == model.StateFailed && cur.FailureReason == reasonCaptureRefunded:
			return nil
		case cur.State() == model.StateFailed:
			if err := s.orders.UpdateFailed(ctx, tx, orderNo, map[string]interface{}{
				"failure_reason":  reasonCaptureRefunded,
				"provider_txn_id": capture.ProviderTxnID,
			}); err != nil {
				return translate(err)
			}
		default:
			return apperr.New(apperr.KindInvalidState, fmt.Sprintf("order %s is %s", orderNo, cur.State()))
		}

		if err := s.notifier.Enqueue(ctx, tx, model.EventPaymentFailed, orderNo, PaymentFailedEvent{
			OrderNo: orderNo,
			BuyerID: cur.BuyerID,
			Reason:  reasonCaptureRefunded,
		}); err != nil {
			return err
		}
		if err := s.notifier.Enqueue(ctx, tx, model.EventOrderRefunded, orderNo, OrderRefundedEvent{
			OrderNo:  orderNo,
			RefundNo: refundNo,
			BuyerID:  cur.BuyerID,
			Amount:   capture.Amount,
			Reason:   reasonCaptureRefunded,
		}); err != nil {
			return err
		}
		// Last, so a provider failure rolls the state change back and the
		// event is redelivered.
		if _, err := gw.Refund(ctx, capture.ProviderTxnID, capture.Amount, "refund-"+orderNo); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return err
	}
	if refunded {
		observability.OrdersFailedTotal.WithLabelValues(reasonCaptureRefunded).Inc()
		observability.OrdersRefundedTotal.Inc()
		s.logger.Warn("capture refunded, buyer already enrolled",
			zap.String("order_no", orderNo),
			zap.String("refund_no", refundNo),
			zap.String("provider_txn_id", capture.ProviderTxnID),
			zap.Int64("amount", capture.Amount))
	}
	return nil
}

// FailPayment marks a PENDING order FAILED. Wallets are not touched. Orders
// in any other state are left alone, so late failure events are harmless.
func (s *SettlementService) FailPayment(ctx context.Context, orderNo, reason string, ev *gateway.Event) error {
	return s.markFailed(ctx, orderNo, reason, ev)
}

func (s *SettlementService) markFailed(ctx context.Context, orderNo, reason string, ev *gateway.Event) error {
	failed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ev != nil {
			fresh, err := s.recordEvent(ctx, tx, ev, orderNo)
			if err != nil || !fresh {
				return err
			}
		}
		order, err := s.orders.GetByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return translate(err)
		}
		if order.State() != model.StatePending {
			return nil
		}
		if err := s.orders.Transition(ctx, tx, orderNo, model.StatePending, model.StateFailed,
			map[string]interface{}{"failure_reason": reason}); err != nil {
			return translate(err)
		}
		failed = true
		return s.notifier.Enqueue(ctx, tx, model.EventPaymentFailed, orderNo, PaymentFailedEvent{
			OrderNo: orderNo,
			BuyerID: order.BuyerID,
			Reason:  reason,
		})
	})
	if err != nil {
		return err
	}
	if failed {
		observability.OrdersFailedTotal.WithLabelValues(reason).Inc()
		s.logger.Info("order failed", zap.String("order_no", orderNo), zap.String("reason", reason))
	}
	return nil
}

// settle is the capture transition. capture is nil for the wallet rail,
// which debits the buyer inside the same transaction.
//
// 【Key points】one ledger transaction holds all of:
// 1. The webhook event row, so a redelivery finds it and stops here
// 2. The buyer debit (wallet rail only)
// 3. Enrollment, and the instructor and platform credits
// 4. The PENDING -> COMPLETED compare-and-set
// 5. The outbox events announcing it
//
// Any failure rolls all of it back. The order is never COMPLETED without
// enrollment, and enrollment never exists without the money having moved.
// A FAILED order reopens only when the provider proves it took the money.
func (s *SettlementService) settle(ctx context.Context, orderNo string, capture *gateway.CaptureResult, ev *gateway.Event) error {
	ctx, span := observability.StartSpan(ctx, "settlement.settle")
	defer span.End()

	var settled *model.Order
	err := s.ledger.InTx(ctx, func(tx *gorm.DB) error {
		settled = nil
		if ev != nil {
			fresh, err := s.recordEvent(ctx, tx, ev, orderNo)
			if err != nil || !fresh {
				return err
			}
		}

		order, err := s.orders.GetByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return translate(err)
		}
		switch order.State() {
		case model.StateCompleted:
			return nil
		case model.StatePending:
		case model.StateFailed:
			if capture == nil {
				return apperr.New(apperr.KindInvalidState, "failed order must be retried before it can settle")
			}
			if order.FailureReason == reasonCaptureRefunded {
				// The money went back already; granting now would be free.
				return nil
			}
			// The provider took the money after the order was given up on.
			if err := s.orders.Transition(ctx, tx, orderNo, model.StateFailed, model.StatePending,
				map[string]interface{}{"failure_reason": ""}); err != nil {
				return translate(err)
			}
		default:
			return apperr.New(apperr.KindInvalidState, fmt.Sprintf("order %s is %s", orderNo, order.State()))
		}

		txnID := ""
		if capture != nil {
			txnID = capture.ProviderTxnID
		} else if order.Amount > 0 {
			rail, err := s.gateways.Ledger(order.PaymentMethod)
			if err != nil {
				return err
			}
			res, err := rail.CaptureInTx(ctx, tx, order)
			if err != nil {
				return err
			}
			txnID = res.ProviderTxnID
		}

		entries, err := s.fulfil(ctx, tx, order)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Post(ctx, tx, orderNo, entries...); err != nil {
			return err
		}

		extra := map[string]interface{}{}
		if txnID != "" {
			extra["provider_txn_id"] = txnID
		}
		if err := s.orders.Transition(ctx, tx, orderNo, model.StatePending, model.StateCompleted, extra); err != nil {
			return translate(err)
		}
		if err := s.announceSettled(ctx, tx, order); err != nil {
			return err
		}
		settled = order
		return nil
	})
	if err != nil {
		return err
	}

	if settled != nil {
		observability.OrdersCompletedTotal.WithLabelValues(string(settled.PaymentMethod)).Inc()
		s.logger.Info("order settled",
			zap.String("order_no", settled.OrderNo),
			zap.String("buyer_id", settled.BuyerID),
			zap.Int64("amount", settled.Amount))
	}
	return nil
}

// fulfil grants what the order bought and returns the credits to post.
// Purchases split every line between instructor and platform and enroll the
// buyer; top-ups deposit into the buyer's wallet.
func (s *SettlementService) fulfil(ctx context.Context, tx *gorm.DB, order *model.Order) ([]ledger.Entry, error) {
	if order.Kind == model.OrderKindTopUp {
		return []ledger.Entry{{
			OwnerID:     order.BuyerID,
			OwnerType:   model.OwnerTypeUser,
			Type:        model.TransactionTypeDeposit,
			Amount:      order.Amount,
			Description: "wallet top-up " + order.OrderNo,
		}}, nil
	}

	credits := make(map[string]int64)
	var platform int64
	for i := range order.Items {
		it := &order.Items[i]
		share, err := money.Split(it.OfferPrice, it.InstructorSharePercentage)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "split revenue for "+it.CourseID, err)
		}
		it.InstructorShare, it.AdminShare = share.Instructor, share.Admin
		if err := s.orders.UpdateItemShares(ctx, tx, it); err != nil {
			return nil, fmt.Errorf("store revenue split: %w", err)
		}
		credits[it.InstructorID] += share.Instructor
		platform += share.Admin

		if err := s.enrollments.Grant(ctx, tx, order.BuyerID, it.CourseID, order.OrderNo); err != nil {
			return nil, translate(err)
		}
	}

	if order.CouponCode != "" {
		if err := s.coupons.Redeem(ctx, tx, order.CouponCode); err != nil {
			return nil, fmt.Errorf("redeem coupon: %w", err)
		}
	}

	entries := make([]ledger.Entry, 0, len(credits)+1)
	for owner, amount := range credits {
		entries = append(entries, ledger.Entry{
			OwnerID:     owner,
			OwnerType:   model.OwnerTypeUser,
			Type:        model.TransactionTypePayment,
			Amount:      amount,
			Description: "course sale " + order.OrderNo,
		})
	}
	entries = append(entries, ledger.Entry{
		OwnerID:     s.cfg.PlatformOwnerID,
		OwnerType:   model.OwnerTypePlatform,
		Type:        model.TransactionTypePayment,
		Amount:      platform,
		Description: "platform share " + order.OrderNo,
	})
	return entries, nil
}

func (s *SettlementService) announceSettled(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if order.Kind == model.OrderKindTopUp {
		return s.notifier.Enqueue(ctx, tx, model.EventWalletToppedUp, order.OrderNo, WalletToppedUpEvent{
			OrderNo: order.OrderNo,
			OwnerID: order.BuyerID,
			Amount:  order.Amount,
		})
	}

	purchased, err := s.notifier.Message(model.EventCoursePurchased, order.OrderNo, CoursePurchasedEvent{
		OrderNo:       order.OrderNo,
		BuyerID:       order.BuyerID,
		CourseIDs:     order.CourseIDs(),
		Amount:        order.Amount,
		Currency:      order.Currency,
		PaymentMethod: string(order.PaymentMethod),
	})
	if err != nil {
		return err
	}
	msgs := []*model.OutboxMessage{purchased}

	earned := make(map[string]*RevenueEarnedEvent)
	for _, it := range order.Items {
		ev, ok := earned[it.InstructorID]
		if !ok {
			ev = &RevenueEarnedEvent{OrderNo: order.OrderNo, InstructorID: it.InstructorID, Currency: order.Currency}
			earned[it.InstructorID] = ev
		}
		ev.Amount += it.InstructorShare
		ev.CourseIDs = append(ev.CourseIDs, it.CourseID)
	}
	instructors := make([]string, 0, len(earned))
	for id := range earned {
		instructors = append(instructors, id)
	}
	sort.Strings(instructors)
	for _, id := range instructors {
		msg, err := s.notifier.Message(model.EventRevenueEarned, order.OrderNo, earned[id])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return s.notifier.EnqueueMessages(ctx, tx, msgs...)
}

// RetryOrder re-initiates a FAILED order, or a PENDING one whose checkout
// stalled past the lock TTL, under the same order number and therefore the
// same provider idempotency key. A COMPLETED order is returned unchanged.
func (s *SettlementService) RetryOrder(ctx context.Context, buyerID, orderNo string) (*CheckoutResult, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.RetryOrder")
	defer span.End()

	order, err := s.ownedOrder(ctx, buyerID, orderNo)
	if err != nil {
		return nil, err
	}

	switch order.State() {
	case model.StateCompleted:
		return resultOf(order), nil
	case model.StateFailed:
		if order.FailureReason == reasonCaptureRefunded {
			return nil, apperr.New(apperr.KindInvalidState, "order payment was refunded; place a new order")
		}
		if s.cfg.MaxAttempts > 0 && order.Attempts >= s.cfg.MaxAttempts {
			return nil, apperr.New(apperr.KindInvalidState, "order has reached its retry limit")
		}
	case model.StatePending:
		if s.now().Sub(order.UpdatedAt) < s.locks.TTL() {
			return nil, apperr.New(apperr.KindInvalidState, "order is still being processed")
		}
		// The webhook may have been lost; ask the provider first.
		if res, err := s.recoverCapture(ctx, order); err != nil || res != nil {
			return res, err
		}
	default:
		return nil, apperr.New(apperr.KindInvalidState,
			fmt.Sprintf("order %s is %s and cannot be retried", orderNo, order.State()))
	}

	if err := s.checkSuperseded(ctx, order); err != nil {
		return nil, err
	}

	h, err := s.locks.Acquire(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(ctx, h)

	order, err = s.orders.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return nil, translate(err)
	}
	switch order.State() {
	case model.StateCompleted:
		return resultOf(order), nil
	case model.StateFailed:
		if err := s.orders.Transition(ctx, nil, orderNo, model.StateFailed, model.StatePending, map[string]interface{}{
			"attempts":       gorm.Expr("attempts + 1"),
			"failure_reason": "",
		}); err != nil {
			return nil, translate(err)
		}
		observability.OrderRetriesTotal.Inc()
		if order, err = s.orders.GetByOrderNo(ctx, nil, orderNo); err != nil {
			return nil, translate(err)
		}
	case model.StatePending:
	default:
		return nil, apperr.New(apperr.KindInvalidState,
			fmt.Sprintf("order %s is %s and cannot be retried", orderNo, order.State()))
	}

	s.logger.Info("retrying order", zap.String("order_no", orderNo), zap.Int("attempt", order.Attempts))
	return s.initiate(ctx, order)
}

// recoverCapture settles a stalled remote order if the provider already
// holds the money. It returns nil when there is nothing to recover.
func (s *SettlementService) recoverCapture(ctx context.Context, order *model.Order) (*CheckoutResult, error) {
	if !order.PaymentMethod.Remote() || order.SessionRef() == "" {
		return nil, nil
	}
	gw, err := s.gateways.Remote(order.PaymentMethod)
	if err != nil {
		return nil, err
	}
	capture, err := gw.Capture(ctx, order.SessionRef())
	if err != nil {
		return nil, err
	}
	if !capture.Succeeded() {
		return nil, nil
	}
	if err := s.CompleteCapture(ctx, order.OrderNo, capture, nil); err != nil {
		return nil, err
	}
	return s.result(ctx, order.OrderNo)
}

// checkSuperseded rejects a retry when another order already enrolled the
// buyer in one of the courses.
func (s *SettlementService) checkSuperseded(ctx context.Context, order *model.Order) error {
	if order.Kind != model.OrderKindPurchase {
		return nil
	}
	enrolled, err := s.enrollments.EnrolledCourseIDs(ctx, order.BuyerID, order.CourseIDs())
	if err != nil {
		return fmt.Errorf("check enrollments: %w", err)
	}
	if len(enrolled) > 0 {
		return apperr.Wrap(apperr.KindAlreadyEnrolled, "order was superseded by another purchase", repository.ErrAlreadyEnrolled)
	}
	return nil
}

// CancelAbandoned cancels PENDING orders older than olderThan that never got
// a provider session. Buyers mid-checkout are skipped.
func (s *SettlementService) CancelAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	orders, err := s.orders.GetAbandoned(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list abandoned orders: %w", err)
	}

	cancelled := 0
	for _, o := range orders {
		h, err := s.locks.Acquire(ctx, o.BuyerID)
		if errors.Is(err, apperr.ErrLockHeld) {
			continue
		}
		if err != nil {
			return cancelled, err
		}

		done := false
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cur, err := s.orders.GetByOrderNo(ctx, tx, o.OrderNo)
			if err != nil {
				return err
			}
			if cur.State() != model.StatePending || cur.SessionRef() != "" {
				return nil
			}
			if err := s.orders.Transition(ctx, tx, o.OrderNo, model.StatePending, model.StateCancelled, nil); err != nil {
				return err
			}
			done = true
			return nil
		})
		s.locks.Release(ctx, h)
		if err != nil {
			s.logger.Error("cancel abandoned order", zap.String("order_no", o.OrderNo), zap.Error(err))
			continue
		}
		if done {
			cancelled++
			observability.OrdersCancelledTotal.Inc()
			s.logger.Info("abandoned order cancelled", zap.String("order_no", o.OrderNo))
		}
	}
	return cancelled, nil
}

// RecoverStalled asks the provider about remote orders that have been
// PENDING longer than olderThan and settles those it already captured.
// It returns how many were settled.
func (s *SettlementService) RecoverStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	orders, err := s.orders.GetStalled(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stalled orders: %w", err)
	}

	recovered := 0
	for _, o := range orders {
		res, err := s.recoverCapture(ctx, o)
		if err != nil {
			s.logger.Warn("recover stalled order", zap.String("order_no", o.OrderNo), zap.Error(err))
			continue
		}
		if res != nil && res.Order.State() == model.StateCompleted {
			recovered++
			s.logger.Info("stalled order settled from provider state", zap.String("order_no", o.OrderNo))
		}
	}
	return recovered, nil
}

func (s *SettlementService) ownedOrder(ctx context.Context, buyerID, orderNo string) (*model.Order, error) {
	order, err := s.orders.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return nil, translate(err)
	}
	if order.BuyerID != buyerID {
		return nil, apperr.Wrap(apperr.KindNotFound, "order not found", repository.ErrOrderNotFound)
	}
	return order, nil
}

func (s *SettlementService) recordEvent(ctx context.Context, tx *gorm.DB, ev *gateway.Event, orderNo string) (bool, error) {
	fresh, err := s.events.Record(ctx, tx, &model.ProcessedEvent{
		Provider:  ev.Provider,
		EventID:   ev.ID,
		EventType: ev.Type,
		OrderNo:   orderNo,
	})
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return fresh, nil
}

func (s *SettlementService) result(ctx context.Context, orderNo string) (*CheckoutResult, error) {
	order, err := s.orders.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return nil, translate(err)
	}
	return resultOf(order), nil
}

func resultOf(order *model.Order) *CheckoutResult {
	res := &CheckoutResult{Order: order}
	if ref := order.SessionRef(); ref != "" {
		res.Session = &gateway.Session{ProviderRef: ref, URL: order.SessionURL}
	}
	return res
}

func failureReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientFunds:
		return "insufficient funds"
	case apperr.KindGatewayUnavailable:
		return "payment provider unavailable"
	case apperr.KindAlreadyEnrolled:
		return "already enrolled"
	}
	return "settlement error"
}

// translate maps repository sentinels onto the error taxonomy. Version
// conflicts pass through untouched so the ledger can retry them.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperr.Wrap(apperr.KindNotFound, "order not found", err)
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		return apperr.Wrap(apperr.KindInvalidState, "order state changed concurrently", err)
	case errors.Is(err, repository.ErrAlreadyEnrolled):
		return apperr.Wrap(apperr.KindAlreadyEnrolled, "already enrolled", err)
	}
	return err
}

func sameCurrency(a, b string) bool {
	return strings.EqualFold(a, b)
}
