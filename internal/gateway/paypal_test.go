package gateway

import (
	"context"
	"io"
	"net/http"
	"testing"

	"coursepay/internal/apperr"
	"coursepay/internal/model"

	"github.com/plutov/paypal/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePayPal struct {
	createUnits   []paypal.PurchaseUnitRequest
	createAppCtx  *paypal.ApplicationContext
	createIntent  string
	createReqID   string
	captureReqIDs []string
	captureErr    error
	captureResp   *paypal.CaptureOrderResponse
	getOrder      *paypal.Order
	refundReqID   string
	refundReq     paypal.RefundCaptureRequest
	verifyBody    string
	verifyHookID  string
	verified      bool
}

func (f *fakePayPal) CreateOrderWithPaypalRequestID(_ context.Context, intent string, units []paypal.PurchaseUnitRequest,
	_ *paypal.CreateOrderPayer, appCtx *paypal.ApplicationContext, requestID string) (*paypal.Order, error) {
	f.createIntent, f.createUnits, f.createAppCtx, f.createReqID = intent, units, appCtx, requestID
	return &paypal.Order{
		ID:     "PP-1",
		Status: "CREATED",
		Links: []paypal.Link{
			{Href: "https://api/v2/checkout/orders/PP-1", Rel: "self"},
			{Href: "https://www.sandbox.paypal.com/checkoutnow?token=PP-1", Rel: "approve"},
		},
	}, nil
}

func (f *fakePayPal) CaptureOrderWithPaypalRequestId(_ context.Context, _ string, _ paypal.CaptureOrderRequest,
	requestID string, _ *paypal.CaptureOrderMockResponse) (*paypal.CaptureOrderResponse, error) {
	f.captureReqIDs = append(f.captureReqIDs, requestID)
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return f.captureResp, nil
}

func (f *fakePayPal) GetOrder(context.Context, string) (*paypal.Order, error) {
	return f.getOrder, nil
}

func (f *fakePayPal) RefundCaptureWithPaypalRequestId(_ context.Context, _ string, req paypal.RefundCaptureRequest,
	requestID string) (*paypal.RefundResponse, error) {
	f.refundReq, f.refundReqID = req, requestID
	return &paypal.RefundResponse{ID: "RF-1", Status: "COMPLETED"}, nil
}

func (f *fakePayPal) VerifyWebhookSignature(_ context.Context, r *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error) {
	body, _ := io.ReadAll(r.Body)
	f.verifyBody, f.verifyHookID = string(body), webhookID
	if !f.verified {
		return &paypal.VerifyWebhookResponse{VerificationStatus: "FAILURE"}, nil
	}
	return &paypal.VerifyWebhookResponse{VerificationStatus: "SUCCESS"}, nil
}

func newTestPayPal(t *testing.T, api *fakePayPal) *PayPalGateway {
	return newPayPalGateway(api, PayPalConfig{
		WebhookID: "WH-CONFIG",
		ReturnURL: "https://app/pp/return?o={ORDER_NO}",
		CancelURL: "https://app/pp/cancel?o={ORDER_NO}",
		Currency:  "usd",
		Policy:    fastPolicy,
	}, zaptest.NewLogger(t))
}

// apiError is what the plutov client returns for a non-2xx answer.
func apiError(status int, name, issue string) *paypal.ErrorResponse {
	e := &paypal.ErrorResponse{Response: &http.Response{StatusCode: status}, Name: name}
	if issue != "" {
		e.Details = []paypal.ErrorResponseDetail{{Issue: issue}}
	}
	return e
}

func completedCaptureAmount(captureID, value string) paypal.CaptureAmount {
	return paypal.CaptureAmount{
		ID: captureID, Status: "COMPLETED",
		Amount: &paypal.PurchaseUnitAmount{Currency: "USD", Value: value},
	}
}

func capturedOrder(captureID, value string) *paypal.Order {
	return &paypal.Order{ID: "PP-1", Status: "COMPLETED", PurchaseUnits: []paypal.PurchaseUnit{{
		CustomID: "ORD1",
		Payments: &paypal.CapturedPayments{Captures: []paypal.CaptureAmount{completedCaptureAmount(captureID, value)}},
	}}}
}

func captureResponse(captureID, value string) *paypal.CaptureOrderResponse {
	return &paypal.CaptureOrderResponse{ID: "PP-1", Status: "COMPLETED", PurchaseUnits: []paypal.CapturedPurchaseUnit{{
		ReferenceID: "ORD1",
		Payments:    &paypal.CapturedPayments{Captures: []paypal.CaptureAmount{completedCaptureAmount(captureID, value)}},
	}}}
}

func TestPayPalInitiate(t *testing.T) {
	api := &fakePayPal{}
	g := newTestPayPal(t, api)

	order := &model.Order{OrderNo: "ORD1", Kind: model.OrderKindPurchase, Amount: 4999, Currency: "usd"}
	sess, err := g.Initiate(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "PP-1", sess.ProviderRef)
	assert.Equal(t, "https://www.sandbox.paypal.com/checkoutnow?token=PP-1", sess.URL)

	assert.Equal(t, "ORD1", api.createReqID)
	assert.Equal(t, paypal.OrderIntentCapture, api.createIntent)
	pu := api.createUnits[0]
	assert.Equal(t, "ORD1", pu.CustomID)
	assert.Equal(t, "USD", pu.Amount.Currency)
	assert.Equal(t, "49.99", pu.Amount.Value)
	assert.Equal(t, "https://app/pp/return?o=ORD1", api.createAppCtx.ReturnURL)
	assert.Equal(t, paypal.UserActionPayNow, api.createAppCtx.UserAction)
}

func TestPayPalCapture(t *testing.T) {
	api := &fakePayPal{captureResp: captureResponse("CAP-1", "49.99")}
	g := newTestPayPal(t, api)

	res, err := g.Capture(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int64(4999), res.Amount)
	assert.Equal(t, "usd", res.Currency)
	assert.Equal(t, "CAP-1", res.ProviderTxnID)
	assert.Equal(t, []string{"capture-PP-1"}, api.captureReqIDs)
}

func TestPayPalCapture_NotApprovedIsPending(t *testing.T) {
	api := &fakePayPal{captureErr: apiError(422, "UNPROCESSABLE_ENTITY", "ORDER_NOT_APPROVED")}
	g := newTestPayPal(t, api)

	res, err := g.Capture(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.Equal(t, CapturePending, res.Status)
	assert.Len(t, api.captureReqIDs, 1)
}

func TestPayPalCapture_AlreadyCapturedReadsOrder(t *testing.T) {
	api := &fakePayPal{
		captureErr: apiError(422, "UNPROCESSABLE_ENTITY", "ORDER_ALREADY_CAPTURED"),
		getOrder:   capturedOrder("CAP-9", "10.00"),
	}
	g := newTestPayPal(t, api)

	res, err := g.Capture(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "CAP-9", res.ProviderTxnID)
	assert.Equal(t, int64(1000), res.Amount)
}

func TestPayPalCapture_ServerErrorsAreRetried(t *testing.T) {
	api := &fakePayPal{captureErr: apiError(503, "SERVICE_UNAVAILABLE", "")}
	g := newTestPayPal(t, api)

	_, err := g.Capture(context.Background(), "PP-1")
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	assert.Len(t, api.captureReqIDs, 3)
	// Same request id on every attempt.
	assert.Equal(t, api.captureReqIDs[0], api.captureReqIDs[2])
}

func TestPayPalRefund(t *testing.T) {
	api := &fakePayPal{}
	g := newTestPayPal(t, api)

	res, err := g.Refund(context.Background(), "CAP-1", 2500, "refund-ORD1")
	require.NoError(t, err)
	assert.Equal(t, "RF-1", res.RefundID)
	assert.Equal(t, "refund-ORD1", api.refundReqID)
	require.NotNil(t, api.refundReq.Amount)
	assert.Equal(t, "25.00", api.refundReq.Amount.Value)
	assert.Equal(t, "USD", api.refundReq.Amount.Currency)
}

func TestPayPalParseWebhook(t *testing.T) {
	api := &fakePayPal{verified: true}
	g := newTestPayPal(t, api)
	ctx := context.Background()

	approved := []byte(`{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED","resource_type":"checkout-order",
		"resource":{"id":"PP-1","status":"APPROVED","purchase_units":[{"reference_id":"ORD1","custom_id":"ORD1"}]}}`)
	ev, err := g.ParseWebhook(ctx, approved, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "WH-1", ev.ID)
	assert.Equal(t, EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "PP-1", ev.ProviderRef)
	assert.Equal(t, "ORD1", ev.OrderNo)
	assert.Nil(t, ev.Capture)
	assert.Equal(t, "WH-CONFIG", api.verifyHookID)
	assert.Equal(t, string(approved), api.verifyBody)

	completed := []byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource_type":"capture",
		"resource":{"id":"CAP-1","status":"COMPLETED","custom_id":"ORD1","amount":{"currency_code":"USD","value":"49.99"},
		"supplementary_data":{"related_ids":{"order_id":"PP-1"}}}}`)
	ev, err = g.ParseWebhook(ctx, completed, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "PP-1", ev.ProviderRef)
	require.NotNil(t, ev.Capture)
	assert.Equal(t, int64(4999), ev.Capture.Amount)
	assert.Equal(t, "CAP-1", ev.Capture.ProviderTxnID)

	denied := []byte(`{"id":"WH-3","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"id":"CAP-2","status":"DECLINED","custom_id":"ORD1"}}`)
	ev, err = g.ParseWebhook(ctx, denied, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, EventPaymentFailed, ev.Kind)
	assert.Equal(t, "ORD1", ev.OrderNo)

	other := []byte(`{"id":"WH-4","event_type":"BILLING.PLAN.CREATED","resource":{}}`)
	ev, err = g.ParseWebhook(ctx, other, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Kind)
}

func TestPayPalParseWebhook_Unverified(t *testing.T) {
	g := newTestPayPal(t, &fakePayPal{verified: false})
	_, err := g.ParseWebhook(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestPayPalCapture_DeclinedInstrumentFails(t *testing.T) {
	api := &fakePayPal{captureErr: apiError(422, "UNPROCESSABLE_ENTITY", "INSTRUMENT_DECLINED")}
	g := newTestPayPal(t, api)

	res, err := g.Capture(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.Equal(t, CaptureFailed, res.Status)
	assert.Len(t, api.captureReqIDs, 1)
}

func TestToPayPalError(t *testing.T) {
	err := toPayPalError(apiError(422, "UNPROCESSABLE_ENTITY", "ORDER_NOT_APPROVED"))
	var pe *PayPalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 422, pe.StatusCode)
	assert.Equal(t, "ORDER_NOT_APPROVED", pe.Issue)
	assert.False(t, paypalRetryable(err))
	assert.True(t, paypalRetryable(toPayPalError(apiError(429, "RATE_LIMIT_REACHED", ""))))

	plain := io.ErrUnexpectedEOF
	assert.Equal(t, plain, toPayPalError(plain))
	assert.Nil(t, toPayPalError(nil))
}
