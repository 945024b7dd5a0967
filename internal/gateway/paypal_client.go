package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/plutov/paypal/v4"
)

// paypalAPI is the slice of the plutov client the gateway drives.
// *paypal.Client satisfies it as is.
type paypalAPI interface {
	CreateOrderWithPaypalRequestID(ctx context.Context, intent string, units []paypal.PurchaseUnitRequest,
		payer *paypal.CreateOrderPayer, appCtx *paypal.ApplicationContext, requestID string) (*paypal.Order, error)
	CaptureOrderWithPaypalRequestId(ctx context.Context, orderID string, req paypal.CaptureOrderRequest,
		requestID string, mock *paypal.CaptureOrderMockResponse) (*paypal.CaptureOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	RefundCaptureWithPaypalRequestId(ctx context.Context, captureID string, req paypal.RefundCaptureRequest,
		requestID string) (*paypal.RefundResponse, error)
	VerifyWebhookSignature(ctx context.Context, httpReq *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error)
}

// PayPalError is a non-2xx answer from the PayPal REST API.
type PayPalError struct {
	StatusCode int
	Name       string
	Issue      string
	Message    string
}

func (e *PayPalError) Error() string {
	if e.Issue != "" {
		return fmt.Sprintf("paypal %d %s: %s", e.StatusCode, e.Name, e.Issue)
	}
	return fmt.Sprintf("paypal %d %s: %s", e.StatusCode, e.Name, e.Message)
}

func newPayPalClient(clientID, secret string, sandbox bool) (*paypal.Client, error) {
	base := paypal.APIBaseLive
	if sandbox {
		base = paypal.APIBaseSandBox
	}
	c, err := paypal.NewClient(clientID, secret, base)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	return c, nil
}

// verifyPayPalWebhook rebuilds the delivery as a request because that is
// what the plutov verifier reads the transmission headers and body from.
func verifyPayPalWebhook(ctx context.Context, api paypalAPI, webhookID string, payload []byte, header http.Header) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header = header.Clone()
	resp, err := api.VerifyWebhookSignature(ctx, req, webhookID)
	if err != nil {
		return false, toPayPalError(err)
	}
	return resp.VerificationStatus == "SUCCESS", nil
}

// approveURL is where the buyer is sent to approve the order.
func approveURL(links []paypal.Link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func completedCapture(units []paypal.PurchaseUnit) *paypal.CaptureAmount {
	for _, pu := range units {
		if pu.Payments == nil {
			continue
		}
		for i := range pu.Payments.Captures {
			if pu.Payments.Captures[i].Status == "COMPLETED" {
				return &pu.Payments.Captures[i]
			}
		}
	}
	return nil
}

func toPayPalError(err error) error {
	if err == nil {
		return nil
	}
	var er *paypal.ErrorResponse
	if !errors.As(err, &er) {
		return err
	}
	out := &PayPalError{Name: er.Name, Message: er.Message}
	if er.Response != nil {
		out.StatusCode = er.Response.StatusCode
	}
	if len(er.Details) > 0 {
		out.Issue = er.Details[0].Issue
	}
	return out
}

var _ paypalAPI = (*paypal.Client)(nil)
