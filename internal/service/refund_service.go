package service

import (
	"context"
	"fmt"

	"coursepay/internal/apperr"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/ledger"
	"coursepay/internal/model"
	"coursepay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RefundRequest struct {
	Reason string `json:"reason"`
}

type RefundResponse struct {
	RefundNo string      `json:"refund_no,omitempty"`
	OrderNo  string      `json:"order_id"`
	Amount   int64       `json:"amount"`
	Status   model.State `json:"status"`
	Message  string      `json:"message,omitempty"`
}

// RefundOrder reverses a COMPLETED order: every revenue credit is debited
// back, the buyer gets the money on its original rail and enrollments are
// revoked. Refunds are serialized per order. Refunding a REFUNDED order is a
// no-op.
//
// 【Refund ordering】
// 1. Reverse every PAYMENT/DEPOSIT line of the order with a REFUND debit
// 2. Return the money on the rail it came from
// 3. Revoke enrollments and move COMPLETED -> REFUNDED
//
// Step 1 runs first: an instructor who already withdrew their share makes
// it fail with InsufficientFunds before the provider has paid anything out.
// The provider call is keyed on refund-<orderNo>, so if step 3 rolls the
// transaction back the retry does not refund twice.
func (s *SettlementService) RefundOrder(ctx context.Context, orderNo, reason string) (*RefundResponse, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.RefundOrder")
	defer span.End()

	order, err := s.orders.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return nil, translate(err)
	}
	if resp, err := refundable(order); resp != nil || err != nil {
		return resp, err
	}

	h, err := s.locks.AcquireRefund(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(ctx, h)

	refundNo := idgen.GenerateRefundNo()
	refunded := false
	err = s.ledger.InTx(ctx, func(tx *gorm.DB) error {
		refunded = false
		cur, err := s.orders.GetByOrderNo(ctx, tx, orderNo)
		if err != nil {
			return translate(err)
		}
		if resp, err := refundable(cur); resp != nil || err != nil {
			return err
		}

		lines, err := s.ledger.OrderLines(ctx, tx, orderNo)
		if err != nil {
			return fmt.Errorf("load order lines: %w", err)
		}
		var reversals []ledger.Entry
		for _, l := range lines {
			if l.Type != model.TransactionTypePayment && l.Type != model.TransactionTypeDeposit {
				continue
			}
			ownerType := model.OwnerTypeUser
			if l.OwnerID == s.cfg.PlatformOwnerID {
				ownerType = model.OwnerTypePlatform
			}
			reversals = append(reversals, ledger.Entry{
				OwnerID:     l.OwnerID,
				OwnerType:   ownerType,
				Type:        model.TransactionTypeRefund,
				Amount:      -l.Amount,
				Description: "refund " + refundNo,
			})
		}
		if _, err := s.ledger.Post(ctx, tx, orderNo, reversals...); err != nil {
			return err
		}

		if cur.Amount > 0 {
			if cur.PaymentMethod.Remote() {
				gw, err := s.gateways.Remote(cur.PaymentMethod)
				if err != nil {
					return err
				}
				if _, err := gw.Refund(ctx, cur.TxnID(), cur.Amount, "refund-"+orderNo); err != nil {
					return err
				}
			} else {
				rail, err := s.gateways.Ledger(cur.PaymentMethod)
				if err != nil {
					return err
				}
				if _, err := rail.RefundInTx(ctx, tx, cur); err != nil {
					return err
				}
			}
		}

		if _, err := s.enrollments.RevokeByOrder(ctx, tx, orderNo); err != nil {
			return fmt.Errorf("revoke enrollments: %w", err)
		}
		if err := s.orders.Transition(ctx, tx, orderNo, model.StateCompleted, model.StateRefunded, nil); err != nil {
			return translate(err)
		}
		refunded = true
		return s.notifier.Enqueue(ctx, tx, model.EventOrderRefunded, orderNo, OrderRefundedEvent{
			OrderNo:  orderNo,
			RefundNo: refundNo,
			BuyerID:  cur.BuyerID,
			Amount:   cur.Amount,
			Reason:   reason,
		})
	})
	if err != nil {
		return nil, err
	}

	if !refunded {
		return &RefundResponse{OrderNo: orderNo, Amount: order.Amount, Status: model.StateRefunded, Message: "already refunded"}, nil
	}
	observability.OrdersRefundedTotal.Inc()
	s.logger.Info("order refunded",
		zap.String("order_no", orderNo),
		zap.String("refund_no", refundNo),
		zap.Int64("amount", order.Amount),
		zap.String("reason", reason))

	return &RefundResponse{
		RefundNo: refundNo,
		OrderNo:  orderNo,
		Amount:   order.Amount,
		Status:   model.StateRefunded,
	}, nil
}

// refundable returns a response for an order that is already refunded and
// an error for one that cannot be refunded.
func refundable(order *model.Order) (*RefundResponse, error) {
	switch order.State() {
	case model.StateCompleted:
		return nil, nil
	case model.StateRefunded:
		return &RefundResponse{OrderNo: order.OrderNo, Amount: order.Amount, Status: model.StateRefunded, Message: "already refunded"}, nil
	}
	return nil, apperr.New(apperr.KindInvalidState, fmt.Sprintf("order %s is %s and cannot be refunded", order.OrderNo, order.State()))
}
