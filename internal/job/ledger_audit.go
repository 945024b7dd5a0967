package job

import (
	"context"
	"time"

	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/ledger"

	"go.uber.org/zap"
)

type reconciler interface {
	ReconcileAll(ctx context.Context, batchSize int) ([]ledger.Drift, error)
}

// LedgerAuditJob checks that every wallet balance equals the sum of its
// transaction lines. Drift is reported, never repaired.
type LedgerAuditJob struct {
	ledger    reconciler
	logger    *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewLedgerAuditJob(l reconciler, interval time.Duration, logger *zap.Logger) *LedgerAuditJob {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LedgerAuditJob{
		ledger:    l,
		logger:    logger.Named("ledger_audit"),
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 500,
	}
}

func (j *LedgerAuditJob) Start(ctx context.Context) {
	j.logger.Info("job started", zap.Duration("interval", j.interval))

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

func (j *LedgerAuditJob) Stop() {
	close(j.stopCh)
}

func (j *LedgerAuditJob) runOnce(ctx context.Context) int {
	drifts, err := j.ledger.ReconcileAll(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("ledger audit", zap.Error(err))
		return 0
	}

	observability.LedgerDriftWallets.Set(float64(len(drifts)))
	for _, d := range drifts {
		j.logger.Error("wallet balance drift",
			zap.String("owner_id", d.OwnerID),
			zap.Int64("balance", d.Balance),
			zap.Int64("sum", d.Sum),
			zap.Int64("diff", d.Diff()))
	}
	return len(drifts)
}
