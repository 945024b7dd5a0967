package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coursepay/internal/apperr"
	"coursepay/internal/model"
	"coursepay/pkg/money"

	"github.com/plutov/paypal/v4"
	"go.uber.org/zap"
)

const ProviderPayPal = "paypal"

type PayPalConfig struct {
	ClientID  string
	Secret    string
	Sandbox   bool
	WebhookID string
	ReturnURL string
	CancelURL string
	Currency  string
	Policy    Policy
}

// PayPalGateway drives Orders v2 with intent CAPTURE. Every write carries a
// PayPal-Request-Id so retries are idempotent at PayPal.
type PayPalGateway struct {
	api    paypalAPI
	cfg    PayPalConfig
	logger *zap.Logger
}

func NewPayPalGateway(cfg PayPalConfig, logger *zap.Logger) (*PayPalGateway, error) {
	api, err := newPayPalClient(cfg.ClientID, cfg.Secret, cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	return newPayPalGateway(api, cfg, logger), nil
}

func newPayPalGateway(api paypalAPI, cfg PayPalConfig, logger *zap.Logger) *PayPalGateway {
	return &PayPalGateway{api: api, cfg: cfg, logger: logger}
}

func (g *PayPalGateway) Method() model.PaymentMethod { return model.PaymentMethodPayPal }

func (g *PayPalGateway) Provider() string { return ProviderPayPal }

func (g *PayPalGateway) Initiate(ctx context.Context, order *model.Order) (*Session, error) {
	description := "Course purchase " + order.OrderNo
	if order.Kind == model.OrderKindTopUp {
		description = "Wallet top-up"
	}
	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: order.OrderNo,
		CustomID:    order.OrderNo,
		Description: description,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: strings.ToUpper(order.Currency),
			Value:    money.Format(order.Amount),
		},
	}}
	appCtx := &paypal.ApplicationContext{
		ReturnURL:          expandURL(g.cfg.ReturnURL, order.OrderNo),
		CancelURL:          expandURL(g.cfg.CancelURL, order.OrderNo),
		UserAction:         paypal.UserActionPayNow,
		ShippingPreference: paypal.ShippingPreferenceNoShipping,
	}

	// 【Idempotent creation】
	// The order number is the PayPal-Request-Id, so a retry of the same order
	// (or a backoff re-attempt after a timeout) gets the PayPal order that was
	// already created instead of a second one.
	o, err := call(ctx, g.cfg.Policy, ProviderPayPal, "initiate", g.logger, paypalRetryable,
		func(ctx context.Context) (*paypal.Order, error) {
			o, err := g.api.CreateOrderWithPaypalRequestID(ctx, paypal.OrderIntentCapture, units, nil, appCtx, order.OrderNo)
			return o, toPayPalError(err)
		})
	if err != nil {
		return nil, err
	}
	return &Session{ProviderRef: o.ID, URL: approveURL(o.Links)}, nil
}

// Capture captures an approved PayPal order. An order the buyer has not
// approved yet reports pending.
func (g *PayPalGateway) Capture(ctx context.Context, providerRef string) (*CaptureResult, error) {
	res, err := call(ctx, g.cfg.Policy, ProviderPayPal, "capture", g.logger, paypalRetryable,
		func(ctx context.Context) (*CaptureResult, error) {
			resp, err := g.api.CaptureOrderWithPaypalRequestId(ctx, providerRef, paypal.CaptureOrderRequest{},
				"capture-"+providerRef, nil)
			err = toPayPalError(err)
			if issue(err) == "ORDER_ALREADY_CAPTURED" {
				// A capture that succeeded but whose answer was lost.
				o, err := g.api.GetOrder(ctx, providerRef)
				if err != nil {
					return nil, toPayPalError(err)
				}
				return paypalOrderCapture(o.Status, completedCapture(o.PurchaseUnits))
			}
			if err != nil {
				return nil, err
			}
			return paypalOrderCapture(resp.Status, firstCapture(resp.PurchaseUnits))
		})
	if err != nil {
		switch issue(err) {
		case "ORDER_NOT_APPROVED", "PAYER_ACTION_REQUIRED":
			return &CaptureResult{Status: CapturePending}, nil
		case "INSTRUMENT_DECLINED", "TRANSACTION_REFUSED":
			return &CaptureResult{Status: CaptureFailed}, nil
		}
		return nil, err
	}
	return res, nil
}

func firstCapture(units []paypal.CapturedPurchaseUnit) *paypal.CaptureAmount {
	for _, pu := range units {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

func paypalOrderCapture(orderStatus string, c *paypal.CaptureAmount) (*CaptureResult, error) {
	if c == nil {
		if orderStatus == "VOIDED" {
			return &CaptureResult{Status: CaptureFailed}, nil
		}
		return &CaptureResult{Status: CapturePending}, nil
	}
	return paypalCaptureResult(c)
}

func paypalCaptureResult(c *paypal.CaptureAmount) (*CaptureResult, error) {
	res := &CaptureResult{Status: CapturePending, ProviderTxnID: c.ID}
	switch c.Status {
	case "COMPLETED":
		res.Status = CaptureSucceeded
	case "DECLINED", "FAILED":
		res.Status = CaptureFailed
	}
	if c.Amount != nil {
		amount, err := money.Parse(c.Amount.Value)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindGatewayUnavailable, "paypal returned an unreadable amount", err)
		}
		res.Amount = amount
		res.Currency = strings.ToLower(c.Amount.Currency)
	}
	return res, nil
}

// Refund refunds a completed capture. providerTxnID is the capture id and
// idempotencyKey travels as the PayPal-Request-Id.
func (g *PayPalGateway) Refund(ctx context.Context, providerTxnID string, amount int64, idempotencyKey string) (*RefundResult, error) {
	req := paypal.RefundCaptureRequest{Amount: &paypal.Money{
		Currency: strings.ToUpper(g.cfg.Currency),
		Value:    money.Format(amount),
	}}
	r, err := call(ctx, g.cfg.Policy, ProviderPayPal, "refund", g.logger, paypalRetryable,
		func(ctx context.Context) (*paypal.RefundResponse, error) {
			r, err := g.api.RefundCaptureWithPaypalRequestId(ctx, providerTxnID, req, idempotencyKey)
			return r, toPayPalError(err)
		})
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: r.ID, Amount: amount, Status: strings.ToLower(r.Status)}, nil
}

type paypalWebhook struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

// paypalCaptureResource is a capture as webhooks deliver it. plutov's
// CaptureAmount has no supplementary_data, which is where the order id is.
type paypalCaptureResource struct {
	paypal.CaptureAmount
	SupplementaryData *struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data,omitempty"`
}

func (g *PayPalGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error) {
	ok, err := call(ctx, g.cfg.Policy, ProviderPayPal, "verify_webhook", g.logger, paypalRetryable,
		func(ctx context.Context) (bool, error) {
			return verifyPayPalWebhook(ctx, g.api, g.cfg.WebhookID, payload, header)
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindInvalidSignature, "paypal signature verification failed")
	}

	var wh paypalWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, apperr.Validationf("payload", "decode paypal event: %v", err)
	}
	out := &Event{Provider: ProviderPayPal, ID: wh.ID, Type: wh.EventType, Kind: EventIgnored}

	switch wh.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		var o paypal.Order
		if err := json.Unmarshal(wh.Resource, &o); err != nil {
			return nil, apperr.Validationf("resource", "decode paypal order: %v", err)
		}
		out.ProviderRef = o.ID
		if len(o.PurchaseUnits) > 0 {
			out.OrderNo = o.PurchaseUnits[0].CustomID
		}
		// Approval is not payment; the ingestor captures.
		out.Kind = EventPaymentSucceeded
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var c paypalCaptureResource
		if err := json.Unmarshal(wh.Resource, &c); err != nil {
			return nil, apperr.Validationf("resource", "decode paypal capture: %v", err)
		}
		out.OrderNo = c.CustomID
		if c.SupplementaryData != nil {
			out.ProviderRef = c.SupplementaryData.RelatedIDs.OrderID
		}
		if wh.EventType != "PAYMENT.CAPTURE.COMPLETED" {
			out.Kind = EventPaymentFailed
			out.Reason = "payment declined"
			return out, nil
		}
		capture, err := paypalCaptureResult(&c.CaptureAmount)
		if err != nil {
			return nil, err
		}
		out.Kind = EventPaymentSucceeded
		out.Capture = capture
	case "CHECKOUT.ORDER.VOIDED":
		var o paypal.Order
		if err := json.Unmarshal(wh.Resource, &o); err != nil {
			return nil, apperr.Validationf("resource", "decode paypal order: %v", err)
		}
		out.ProviderRef = o.ID
		if len(o.PurchaseUnits) > 0 {
			out.OrderNo = o.PurchaseUnits[0].CustomID
		}
		out.Kind = EventPaymentFailed
		out.Reason = "paypal order voided"
	}
	return out, nil
}

func issue(err error) string {
	var pe *PayPalError
	if errors.As(err, &pe) {
		return pe.Issue
	}
	return ""
}

func paypalRetryable(err error) bool {
	var pe *PayPalError
	if !errors.As(err, &pe) {
		return true
	}
	return pe.StatusCode >= 500 || pe.StatusCode == http.StatusTooManyRequests
}
