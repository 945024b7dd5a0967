// Package gateway adapts payment rails (internal wallet, Stripe, PayPal)
// to one initiate / capture / refund contract.
package gateway

import (
	"context"
	"net/http"

	"coursepay/internal/apperr"
	"coursepay/internal/model"

	"gorm.io/gorm"
)

const (
	CaptureSucceeded = "succeeded"
	CapturePending   = "pending"
	CaptureFailed    = "failed"
)

// Session is what initiate hands back to the buyer.
type Session struct {
	ProviderRef string `json:"provider_ref"`
	URL         string `json:"url,omitempty"`
}

type CaptureResult struct {
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	ProviderTxnID string `json:"provider_txn_id"`
}

func (c *CaptureResult) Succeeded() bool { return c != nil && c.Status == CaptureSucceeded }

type RefundResult struct {
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

// Gateway is the part of the contract every rail shares.
type Gateway interface {
	Method() model.PaymentMethod
	Initiate(ctx context.Context, order *model.Order) (*Session, error)
}

// RemoteCapturer is a provider rail whose capture is confirmed out of band.
// Refund must be idempotent on idempotencyKey.
type RemoteCapturer interface {
	Gateway
	Provider() string
	Capture(ctx context.Context, providerRef string) (*CaptureResult, error)
	Refund(ctx context.Context, providerTxnID string, amount int64, idempotencyKey string) (*RefundResult, error)
	// ParseWebhook authenticates a delivery and normalizes it. A bad
	// signature yields apperr.ErrInvalidSignature.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

// LedgerCapturer is a rail that settles inside the caller's database transaction.
type LedgerCapturer interface {
	Gateway
	CaptureInTx(ctx context.Context, tx *gorm.DB, order *model.Order) (*CaptureResult, error)
	RefundInTx(ctx context.Context, tx *gorm.DB, order *model.Order) (*RefundResult, error)
}

type EventKind int

const (
	EventIgnored EventKind = iota
	EventPaymentSucceeded
	EventPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPaymentSucceeded:
		return "succeeded"
	case EventPaymentFailed:
		return "failed"
	}
	return "ignored"
}

// Event is an authenticated provider notification.
type Event struct {
	Provider    string
	ID          string
	Type        string
	Kind        EventKind
	ProviderRef string
	OrderNo     string
	Reason      string
	// Capture is set when the notification itself proves the capture.
	Capture *CaptureResult
}

// Registry resolves the gateway for a payment method.
type Registry struct {
	gateways map[model.PaymentMethod]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[model.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(method model.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, apperr.Validationf("payment_method", "%s is not enabled", method)
	}
	return g, nil
}

func (r *Registry) Remote(method model.PaymentMethod) (RemoteCapturer, error) {
	g, err := r.Get(method)
	if err != nil {
		return nil, err
	}
	rg, ok := g.(RemoteCapturer)
	if !ok {
		return nil, apperr.Validationf("payment_method", "%s is not a provider rail", method)
	}
	return rg, nil
}

func (r *Registry) Ledger(method model.PaymentMethod) (LedgerCapturer, error) {
	g, err := r.Get(method)
	if err != nil {
		return nil, err
	}
	lg, ok := g.(LedgerCapturer)
	if !ok {
		return nil, apperr.Validationf("payment_method", "%s does not settle on the ledger", method)
	}
	return lg, nil
}
