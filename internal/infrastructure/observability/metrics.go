package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_orders_created_total",
		Help: "Orders created, by payment method",
	}, []string{"method"})

	OrdersCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_orders_completed_total",
		Help: "Orders settled, by payment method",
	}, []string{"method"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_orders_failed_total",
		Help: "Orders moved to FAILED, by reason",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_orders_cancelled_total",
		Help: "Abandoned orders cancelled",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_orders_refunded_total",
		Help: "Orders refunded",
	})

	OrderRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_order_retries_total",
		Help: "Explicit order retries",
	})

	CheckoutLockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_checkout_lock_contention_total",
		Help: "Checkout attempts rejected because the buyer lock was held",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_webhook_events_total",
		Help: "Webhook deliveries, by provider and outcome",
	}, []string{"provider", "result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coursepay_gateway_latency_seconds",
		Help:    "Latency of payment provider calls, including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_gateway_errors_total",
		Help: "Payment provider calls that failed after retries",
	}, []string{"provider", "op"})

	LedgerVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepay_ledger_version_conflicts_total",
		Help: "Ledger transactions re-run after a wallet version conflict",
	})

	LedgerDriftWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coursepay_ledger_drift_wallets",
		Help: "Wallets whose balance disagrees with their transaction sum at the last audit",
	})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepay_outbox_published_total",
		Help: "Outbox messages handed to Kafka, by outcome",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
