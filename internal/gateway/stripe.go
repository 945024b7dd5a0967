package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/model"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const ProviderStripe = "stripe"

// maxSessionRenewals caps how many expired sessions Initiate will step over.
const maxSessionRenewals = 3

type stripeSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type StripeConfig struct {
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Policy        Policy
}

// StripeGateway drives hosted Checkout Sessions. The order number is the
// idempotency key for session creation, so re-initiating an order returns
// the session Stripe already made for it.
type StripeGateway struct {
	sessions stripeSessions
	refunds  stripeRefunds
	cfg      StripeConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewStripeGateway(secretKey string, cfg StripeConfig, logger *zap.Logger) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return newStripeGateway(sc.CheckoutSessions, sc.Refunds, cfg, logger)
}

func newStripeGateway(sessions stripeSessions, refunds stripeRefunds, cfg StripeConfig, logger *zap.Logger) *StripeGateway {
	return &StripeGateway{sessions: sessions, refunds: refunds, cfg: cfg, logger: logger, now: time.Now}
}

func (g *StripeGateway) Method() model.PaymentMethod { return model.PaymentMethodStripe }

func (g *StripeGateway) Provider() string { return ProviderStripe }

// Initiate creates the order's Checkout Session, or returns the one Stripe
// already made under the order number.
//
// 【Renewing an expired session】
// Stripe answers a repeated create with the response it recorded the first
// time, so a replayed session still says "open" long after it expired. A
// replay, or a session past its expires_at, is therefore read back with Get
// before its URL is handed out. An expired one is stepped over by creating
// a new session under <orderNo>:<expiredSessionID>. That key is derived
// from the dead session, so concurrent retries still converge on one
// replacement.
func (g *StripeGateway) Initiate(ctx context.Context, order *model.Order) (*Session, error) {
	key := order.OrderNo
	for i := 0; i <= maxSessionRenewals; i++ {
		sess, err := call(ctx, g.cfg.Policy, ProviderStripe, "initiate", g.logger, stripeRetryable,
			func(ctx context.Context) (*stripe.CheckoutSession, error) {
				return g.sessions.New(g.sessionParams(ctx, order, key))
			})
		if err != nil {
			return nil, err
		}
		if g.mayBeStale(sess) {
			id := sess.ID
			sess, err = call(ctx, g.cfg.Policy, ProviderStripe, "get_session", g.logger, stripeRetryable,
				func(ctx context.Context) (*stripe.CheckoutSession, error) {
					params := &stripe.CheckoutSessionParams{}
					params.Context = ctx
					return g.sessions.Get(id, params)
				})
			if err != nil {
				return nil, err
			}
		}
		if sess.Status != stripe.CheckoutSessionStatusExpired {
			return &Session{ProviderRef: sess.ID, URL: sess.URL}, nil
		}
		g.logger.Info("stripe session expired, creating a new one",
			zap.String("order_no", order.OrderNo), zap.String("session_id", sess.ID))
		key = order.OrderNo + ":" + sess.ID
	}
	return nil, apperr.New(apperr.KindGatewayUnavailable, "stripe kept returning expired sessions")
}

// mayBeStale reports whether the session's status may no longer be current.
func (g *StripeGateway) mayBeStale(sess *stripe.CheckoutSession) bool {
	if sess.Status == stripe.CheckoutSessionStatusExpired {
		return false
	}
	if sess.LastResponse != nil && sess.LastResponse.Header.Get("Idempotent-Replayed") == "true" {
		return true
	}
	return sess.ExpiresAt > 0 && !g.now().Before(time.Unix(sess.ExpiresAt, 0))
}

func (g *StripeGateway) sessionParams(ctx context.Context, order *model.Order, idempotencyKey string) *stripe.CheckoutSessionParams {
	currency := strings.ToLower(order.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(order.OrderNo),
		SuccessURL:        stripe.String(expandURL(g.cfg.SuccessURL, order.OrderNo)),
		CancelURL:         stripe.String(expandURL(g.cfg.CancelURL, order.OrderNo)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_no": order.OrderNo},
		},
	}

	if order.Kind == model.OrderKindTopUp || order.DiscountAmount > 0 || len(order.Items) == 0 {
		// Discounted orders are charged as one line so the total matches
		// the frozen amount exactly.
		name := "Course purchase " + order.OrderNo
		if order.Kind == model.OrderKindTopUp {
			name = "Wallet top-up"
		}
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{stripeLine(name, currency, order.Amount)}
	} else {
		for _, it := range order.Items {
			params.LineItems = append(params.LineItems, stripeLine(it.Title, currency, it.OfferPrice))
		}
	}

	params.AddMetadata("order_no", order.OrderNo)
	params.AddMetadata("buyer_id", order.BuyerID)
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx
	return params
}

func stripeLine(name, currency string, amount int64) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currency),
			UnitAmount: stripe.Int64(amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
	}
}

// Capture reads the session back. Checkout captures on completion, so a
// paid session is already settled at Stripe.
func (g *StripeGateway) Capture(ctx context.Context, providerRef string) (*CaptureResult, error) {
	sess, err := call(ctx, g.cfg.Policy, ProviderStripe, "capture", g.logger, stripeRetryable,
		func(ctx context.Context) (*stripe.CheckoutSession, error) {
			params := &stripe.CheckoutSessionParams{}
			params.AddExpand("payment_intent")
			params.Context = ctx
			return g.sessions.Get(providerRef, params)
		})
	if err != nil {
		return nil, err
	}
	return stripeCapture(sess), nil
}

func stripeCapture(sess *stripe.CheckoutSession) *CaptureResult {
	res := &CaptureResult{
		Status:        CapturePending,
		Amount:        sess.AmountTotal,
		Currency:      string(sess.Currency),
		ProviderTxnID: sess.ID,
	}
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		res.ProviderTxnID = sess.PaymentIntent.ID
	}
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		res.Status = CaptureSucceeded
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		res.Status = CaptureFailed
	}
	return res
}

// Refund refunds the payment intent behind a completed session.
func (g *StripeGateway) Refund(ctx context.Context, providerTxnID string, amount int64, idempotencyKey string) (*RefundResult, error) {
	r, err := call(ctx, g.cfg.Policy, ProviderStripe, "refund", g.logger, stripeRetryable,
		func(ctx context.Context) (*stripe.Refund, error) {
			params := &stripe.RefundParams{
				PaymentIntent: stripe.String(providerTxnID),
				Amount:        stripe.Int64(amount),
			}
			params.SetIdempotencyKey(idempotencyKey)
			params.Context = ctx
			return g.refunds.New(params)
		})
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: r.ID, Amount: r.Amount, Status: string(r.Status)}, nil
}

func (g *StripeGateway) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidSignature, "stripe signature verification failed", err)
	}

	out := &Event{Provider: ProviderStripe, ID: ev.ID, Type: string(ev.Type), Kind: EventIgnored}
	if !strings.HasPrefix(out.Type, "checkout.session.") || ev.Data == nil {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, apperr.Validationf("payload", "decode checkout session: %v", err)
	}
	out.ProviderRef = sess.ID
	out.OrderNo = sess.ClientReferenceID
	if out.OrderNo == "" {
		out.OrderNo = sess.Metadata["order_no"]
	}

	switch out.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		capture := stripeCapture(&sess)
		if !capture.Succeeded() {
			// Delayed payment methods complete the session before the money moves.
			return out, nil
		}
		out.Kind = EventPaymentSucceeded
		out.Capture = capture
	case "checkout.session.async_payment_failed":
		out.Kind = EventPaymentFailed
		out.Reason = "payment declined"
	case "checkout.session.expired":
		out.Kind = EventPaymentFailed
		out.Reason = "checkout session expired"
	}
	return out, nil
}

// stripeRetryable retries transport errors, rate limits, idempotency
// conflicts and 5xx responses.
func stripeRetryable(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return true
	}
	return se.HTTPStatusCode >= 500 ||
		se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.HTTPStatusCode == http.StatusConflict
}

func expandURL(tmpl, orderNo string) string {
	return strings.ReplaceAll(tmpl, "{ORDER_NO}", orderNo)
}
