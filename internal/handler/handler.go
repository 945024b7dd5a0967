package handler

import (
	"context"
	"net/http"
	"strconv"

	"coursepay/internal/apperr"
	"coursepay/internal/model"
	"coursepay/internal/service"
	"coursepay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Settlement interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CheckoutResult, error)
	RetryOrder(ctx context.Context, buyerID, orderNo string) (*service.CheckoutResult, error)
	RefundOrder(ctx context.Context, orderNo, reason string) (*service.RefundResponse, error)
}

type Webhooks interface {
	HandleStripe(ctx context.Context, payload []byte, header http.Header) error
	HandlePayPal(ctx context.Context, payload []byte, header http.Header) error
}

type Wallets interface {
	GetWallet(ctx context.Context, ownerID string) (*service.WalletView, error)
	History(ctx context.Context, ownerID string, page, pageSize int) (*service.TransactionPage, error)
	TopUp(ctx context.Context, req *service.TopUpRequest) (*service.CheckoutResult, error)
	Withdraw(ctx context.Context, req *service.WithdrawRequest) (*model.WalletTransaction, error)
}

type Orders interface {
	GetOrder(ctx context.Context, buyerID, orderNo string) (*service.CheckoutResult, error)
	ListOrders(ctx context.Context, buyerID string, page, pageSize int) (*service.OrderPage, error)
}

// Handler holds the services behind the REST API.
type Handler struct {
	settlement Settlement
	webhooks   Webhooks
	wallets    Wallets
	orders     Orders
	logger     *zap.Logger
}

func NewHandler(settlement Settlement, webhooks Webhooks, wallets Wallets, orders Orders, logger *zap.Logger) *Handler {
	return &Handler{
		settlement: settlement,
		webhooks:   webhooks,
		wallets:    wallets,
		orders:     orders,
		logger:     logger,
	}
}

// fail logs what the client will not see and writes the error envelope.
func (h *Handler) fail(c *gin.Context, err error, data interface{}) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	response.Fail(c, err, data)
}

// ============================================================
// Orders
// ============================================================

// CreateOrder
// POST /api/v1/orders
//
// 【Key points】checkout is where money starts to move, so it must be:
// 1. Idempotent: a repeated Idempotency-Key returns the order it created
// 2. Serialized per buyer: a second checkout while one is open gets 409 LOCK_HELD
// 3. Price-frozen: the order keeps the prices it was created with
func (h *Handler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.BuyerID = userID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.settlement.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		// An unpaid wallet order still exists and can be retried.
		h.fail(c, err, orNil(res))
		return
	}
	response.Created(c, res)
}

// GetOrder
// GET /api/v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	res, err := h.orders.GetOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, res)
}

// ListOrders
// GET /api/v1/orders?page=1&page_size=20
func (h *Handler) ListOrders(c *gin.Context) {
	page, pageSize := pagination(c)
	res, err := h.orders.ListOrders(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, res)
}

// RetryOrder
// POST /api/v1/orders/:id/retry
func (h *Handler) RetryOrder(c *gin.Context) {
	res, err := h.settlement.RetryOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, orNil(res))
		return
	}
	response.Success(c, res)
}

// RefundOrder is admin only.
// POST /api/v1/orders/:id/refund
//
// 【Key points】refund flow:
// 1. Full refunds only, and only of COMPLETED orders
// 2. Every revenue credit is debited back before the provider is asked
// 3. Refunding twice answers "already refunded" instead of failing
func (h *Handler) RefundOrder(c *gin.Context) {
	var req service.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "invalid request: "+err.Error())
			return
		}
	}

	res, err := h.settlement.RefundOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, res)
}

// ============================================================
// Webhooks
// ============================================================

// StripeWebhook
// POST /api/v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	h.webhook(c, h.webhooks.HandleStripe)
}

// PayPalWebhook
// POST /api/v1/webhooks/paypal
func (h *Handler) PayPalWebhook(c *gin.Context) {
	h.webhook(c, h.webhooks.HandlePayPal)
}

// webhook answers 2xx only once the event is applied or deliberately
// ignored. Any error status tells the provider to deliver it again.
func (h *Handler) webhook(c *gin.Context, handle func(context.Context, []byte, http.Header) error) {
	payload, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "unreadable body")
		return
	}
	if err := handle(c.Request.Context(), payload, c.Request.Header); err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, gin.H{"received": true})
}

// ============================================================
// Wallet
// ============================================================

// GetWallet
// GET /api/v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.wallets.GetWallet(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, w)
}

// WalletTransactions
// GET /api/v1/wallet/transactions?page=1&page_size=20
func (h *Handler) WalletTransactions(c *gin.Context) {
	page, pageSize := pagination(c)
	res, err := h.wallets.History(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, res)
}

// TopUp
// POST /api/v1/wallet/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req service.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.OwnerID = userID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.wallets.TopUp(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Created(c, res)
}

// Withdraw
// POST /api/v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req service.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.OwnerID = userID(c)

	line, err := h.wallets.Withdraw(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Success(c, line)
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

func orNil(res *service.CheckoutResult) interface{} {
	if res == nil {
		return nil
	}
	return res
}
