package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursepay/internal/config"
	"coursepay/internal/gateway"
	"coursepay/internal/handler"
	"coursepay/internal/infrastructure/cache"
	"coursepay/internal/infrastructure/database"
	"coursepay/internal/infrastructure/lock"
	"coursepay/internal/infrastructure/mq"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/job"
	"coursepay/internal/ledger"
	"coursepay/internal/repository"
	"coursepay/internal/service"
	"coursepay/pkg/idgen"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id, unique per replica")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Server.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, *workerID, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, workerID int64, logger *zap.Logger) error {
	if err := idgen.Init(workerID); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Observability.TracingEnabled {
		tp, err := observability.InitTracer(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	db, err := database.Open(&cfg.Database, logger)
	if err != nil {
		return err
	}

	// Checkout locks
	var (
		locker  lock.Locker
		sweeper *lock.MemoryLocker
	)
	switch cfg.Business.LockBackend {
	case "redis":
		rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "coursepay:")
	default:
		sweeper = lock.NewMemoryLocker()
		locker = sweeper
		logger.Warn("using in-process checkout locks; run a single replica")
	}
	locks := lock.NewCheckoutLockManager(locker, cfg.Business.CheckoutLockTTL(), logger)

	publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	l := ledger.New(db, cfg.Business.Currency, cfg.Business.WalletMaxRetries, logger)
	registry, err := buildGateways(cfg, l, logger)
	if err != nil {
		return err
	}

	outbox := repository.NewOutboxRepository(db)
	settlement := service.NewSettlementService(db, l, locks, registry,
		repository.NewCourseRepository(db),
		service.NewNotifier(outbox, cfg.Kafka.Topic.Notification),
		service.SettlementConfig{
			Currency:        cfg.Business.Currency,
			PlatformOwnerID: cfg.Business.PlatformOwnerID,
			MaxAttempts:     cfg.Business.MaxOrderAttempts,
		},
		logger)

	h := handler.NewHandler(
		settlement,
		service.NewWebhookService(db, settlement, registry, logger),
		service.NewWalletService(l, settlement, logger),
		service.NewOrderService(db),
		logger,
	)

	// Background jobs
	var timeoutSweeper interface{ Sweep() int }
	if sweeper != nil {
		timeoutSweeper = sweeper
	}
	outboxSender := job.NewOutboxSender(outbox, publisher, cfg.Business.MaxRetryCount, logger)
	timeoutJob := job.NewOrderTimeoutJob(settlement, timeoutSweeper, cfg.Business.OrderTimeout(), logger)
	stalledJob := job.NewStalledOrderJob(settlement, cfg.Business.CheckoutLockTTL(), logger)
	auditJob := job.NewLedgerAuditJob(l, time.Hour, logger)
	go outboxSender.Start(ctx)
	go timeoutJob.Start(ctx)
	go stalledJob.Start(ctx)
	go auditJob.Start(ctx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// buildGateways registers the wallet rail and whichever provider rails have
// credentials.
func buildGateways(cfg *config.Config, l *ledger.Ledger, logger *zap.Logger) (*gateway.Registry, error) {
	policy := gateway.Policy{
		MaxAttempts: cfg.Business.GatewayMaxAttempts,
		Timeout:     cfg.Business.GatewayTimeout(),
	}
	gws := []gateway.Gateway{gateway.NewWalletGateway(l)}

	if cfg.Stripe.Enabled() {
		gws = append(gws, gateway.NewStripeGateway(cfg.Stripe.SecretKey, gateway.StripeConfig{
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			Policy:        policy,
		}, logger.Named("stripe")))
	} else {
		logger.Warn("stripe rail disabled: no secret key")
	}

	if cfg.PayPal.Enabled() {
		pp, err := gateway.NewPayPalGateway(gateway.PayPalConfig{
			ClientID:  cfg.PayPal.ClientID,
			Secret:    cfg.PayPal.Secret,
			Sandbox:   cfg.PayPal.Sandbox,
			WebhookID: cfg.PayPal.WebhookID,
			ReturnURL: cfg.PayPal.ReturnURL,
			CancelURL: cfg.PayPal.CancelURL,
			Currency:  cfg.Business.Currency,
			Policy:    policy,
		}, logger.Named("paypal"))
		if err != nil {
			return nil, fmt.Errorf("init paypal: %w", err)
		}
		gws = append(gws, pp)
	} else {
		logger.Warn("paypal rail disabled: no credentials")
	}

	return gateway.NewRegistry(gws...), nil
}
