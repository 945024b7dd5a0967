package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"coursepay/internal/apperr"
	"coursepay/internal/gateway"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/model"
	"coursepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WebhookService feeds authenticated provider callbacks to settlement.
// Each provider event id is applied at most once.
type WebhookService struct {
	settlement *SettlementService
	gateways   *gateway.Registry
	orders     *repository.OrderRepository
	events     *repository.EventRepository
	logger     *zap.Logger
}

func NewWebhookService(db *gorm.DB, settlement *SettlementService, gateways *gateway.Registry, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		settlement: settlement,
		gateways:   gateways,
		orders:     repository.NewOrderRepository(db),
		events:     repository.NewEventRepository(db),
		logger:     logger,
	}
}

func (s *WebhookService) HandleStripe(ctx context.Context, payload []byte, header http.Header) error {
	return s.handleDelivery(ctx, model.PaymentMethodStripe, payload, header)
}

func (s *WebhookService) HandlePayPal(ctx context.Context, payload []byte, header http.Header) error {
	return s.handleDelivery(ctx, model.PaymentMethodPayPal, payload, header)
}

func (s *WebhookService) handleDelivery(ctx context.Context, method model.PaymentMethod, payload []byte, header http.Header) error {
	ctx, span := observability.StartSpan(ctx, "webhook."+string(method))
	defer span.End()

	gw, err := s.gateways.Remote(method)
	if err != nil {
		return err
	}
	ev, err := gw.ParseWebhook(ctx, payload, header)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidSignature) {
			observability.WebhookEventsTotal.WithLabelValues(gw.Provider(), "invalid_signature").Inc()
			s.logger.Warn("webhook rejected", zap.String("provider", gw.Provider()), zap.Error(err))
		}
		return err
	}
	return s.Handle(ctx, gw, ev)
}

// Handle applies one authenticated event. Redeliveries and events that
// arrive after the order has moved on are acknowledged without effect.
// An error means the provider should redeliver.
//
// 【Acknowledge or redeliver】
// Providers deliver at least once, in any order, and retry on non-2xx:
// 1. A seen event id is acknowledged straight away
// 2. An order we do not know is recorded and acknowledged, since redelivery cannot fix it
// 3. A capture for an order that can no longer settle is logged and acknowledged
// 4. Anything transient (database, provider) is returned so the event comes back
//
// The event row is written in the same transaction as its effect, so a
// crash between the two cannot mark an unapplied event as processed.
func (s *WebhookService) Handle(ctx context.Context, gw gateway.RemoteCapturer, ev *gateway.Event) error {
	log := s.logger.With(
		zap.String("provider", ev.Provider),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type))

	seen, err := s.events.Exists(ctx, ev.Provider, ev.ID)
	if err != nil {
		return fmt.Errorf("check webhook event: %w", err)
	}
	if seen {
		s.count(ev, "duplicate")
		log.Debug("webhook event already processed")
		return nil
	}

	if ev.Kind == gateway.EventIgnored {
		s.count(ev, "ignored")
		return s.record(ctx, ev, ev.OrderNo)
	}

	order, err := s.resolveOrder(ctx, ev)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.count(ev, "unknown_order")
			log.Warn("webhook event for unknown order",
				zap.String("order_no", ev.OrderNo),
				zap.String("provider_ref", ev.ProviderRef))
			return s.record(ctx, ev, ev.OrderNo)
		}
		return err
	}
	log = log.With(zap.String("order_no", order.OrderNo))

	switch ev.Kind {
	case gateway.EventPaymentFailed:
		if err := s.settlement.FailPayment(ctx, order.OrderNo, ev.Reason, ev); err != nil {
			return err
		}
		s.count(ev, "failed")
		log.Info("payment failed", zap.String("reason", ev.Reason))
		return nil

	case gateway.EventPaymentSucceeded:
		capture := ev.Capture
		if capture == nil {
			ref := ev.ProviderRef
			if ref == "" {
				ref = order.SessionRef()
			}
			if capture, err = gw.Capture(ctx, ref); err != nil {
				s.count(ev, "error")
				return err
			}
		}

		switch capture.Status {
		case gateway.CapturePending:
			s.count(ev, "pending")
			log.Info("payment not captured yet")
			return s.record(ctx, ev, order.OrderNo)
		case gateway.CaptureFailed:
			if err := s.settlement.FailPayment(ctx, order.OrderNo, "payment declined", ev); err != nil {
				return err
			}
			s.count(ev, "failed")
			return nil
		}

		err := s.settlement.CompleteCapture(ctx, order.OrderNo, capture, ev)
		if apperr.KindOf(err) == apperr.KindInvalidState {
			// Money arrived for an order that can no longer settle.
			s.count(ev, "rejected")
			log.Error("captured payment for unsettleable order",
				zap.String("state", string(order.State())),
				zap.String("provider_txn_id", capture.ProviderTxnID),
				zap.Int64("amount", capture.Amount))
			return s.record(ctx, ev, order.OrderNo)
		}
		if err != nil {
			s.count(ev, "error")
			return err
		}
		s.count(ev, "succeeded")
		return nil
	}
	return nil
}

func (s *WebhookService) resolveOrder(ctx context.Context, ev *gateway.Event) (*model.Order, error) {
	if ev.OrderNo != "" {
		order, err := s.orders.GetByOrderNo(ctx, nil, ev.OrderNo)
		if err == nil || !errors.Is(err, repository.ErrOrderNotFound) || ev.ProviderRef == "" {
			return order, err
		}
	}
	if ev.ProviderRef == "" {
		return nil, repository.ErrOrderNotFound
	}
	return s.orders.GetByProviderRef(ctx, ev.ProviderRef)
}

func (s *WebhookService) record(ctx context.Context, ev *gateway.Event, orderNo string) error {
	if _, err := s.events.Record(ctx, nil, &model.ProcessedEvent{
		Provider:  ev.Provider,
		EventID:   ev.ID,
		EventType: ev.Type,
		OrderNo:   orderNo,
	}); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (s *WebhookService) count(ev *gateway.Event, result string) {
	observability.WebhookEventsTotal.WithLabelValues(ev.Provider, result).Inc()
}
