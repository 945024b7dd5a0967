package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter wires middleware and routes.
func SetupRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// Providers call these; they authenticate by signature.
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/stripe", h.StripeWebhook)
			webhooks.POST("/paypal", h.PayPalWebhook)
		}

		authed := api.Group("", RequireUser())

		orders := authed.Group("/orders")
		{
			orders.POST("", h.CreateOrder)
			orders.GET("", h.ListOrders)
			orders.GET("/:id", h.GetOrder)
			orders.POST("/:id/retry", h.RetryOrder)
			orders.POST("/:id/refund", RequireAdmin(), h.RefundOrder)
		}

		wallet := authed.Group("/wallet")
		{
			wallet.GET("", h.GetWallet)
			wallet.GET("/transactions", h.WalletTransactions)
			wallet.POST("/topup", h.TopUp)
			wallet.POST("/withdraw", h.Withdraw)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
