package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type abandonedCanceller interface {
	CancelAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type stalledRecoverer interface {
	RecoverStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// sweeper is implemented by the in-process lock backend.
type sweeper interface {
	Sweep() int
}

// OrderTimeoutJob cancels PENDING orders that never reached a provider.
type OrderTimeoutJob struct {
	orders    abandonedCanceller
	locks     sweeper
	timeout   time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

// NewOrderTimeoutJob takes an optional lock sweeper; pass nil when locks
// live in Redis and expire there.
func NewOrderTimeoutJob(orders abandonedCanceller, locks sweeper, timeout time.Duration, logger *zap.Logger) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		orders:    orders,
		locks:     locks,
		timeout:   timeout,
		logger:    logger.Named("order_timeout"),
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 100,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	j.logger.Info("job started", zap.Duration("interval", j.interval), zap.Duration("timeout", j.timeout))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("context done, job exiting")
			return
		case <-j.stopCh:
			j.logger.Info("job stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *OrderTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *OrderTimeoutJob) runOnce(ctx context.Context) {
	if j.locks != nil {
		if n := j.locks.Sweep(); n > 0 {
			j.logger.Debug("expired checkout locks swept", zap.Int("count", n))
		}
	}

	n, err := j.orders.CancelAbandoned(ctx, j.timeout, j.batchSize)
	if err != nil {
		j.logger.Error("cancel abandoned orders", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("abandoned orders cancelled", zap.Int("count", n))
	}
}

// StalledOrderJob asks the provider about remote orders whose webhook never
// arrived and settles the ones it already captured.
type StalledOrderJob struct {
	orders    stalledRecoverer
	after     time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStalledOrderJob(orders stalledRecoverer, after time.Duration, logger *zap.Logger) *StalledOrderJob {
	return &StalledOrderJob{
		orders:    orders,
		after:     after,
		logger:    logger.Named("stalled_orders"),
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 50,
	}
}

func (j *StalledOrderJob) Start(ctx context.Context) {
	j.logger.Info("job started", zap.Duration("interval", j.interval), zap.Duration("after", j.after))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("context done, job exiting")
			return
		case <-j.stopCh:
			j.logger.Info("job stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *StalledOrderJob) Stop() {
	close(j.stopCh)
}

func (j *StalledOrderJob) runOnce(ctx context.Context) {
	n, err := j.orders.RecoverStalled(ctx, j.after, j.batchSize)
	if err != nil {
		j.logger.Error("recover stalled orders", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("stalled orders settled", zap.Int("count", n))
	}
}
