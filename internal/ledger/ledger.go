// Package ledger owns wallet balances. Every balance change is paired with
// an append-only transaction line written in the same database transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/model"
	"coursepay/internal/repository"
	"coursepay/pkg/idgen"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one signed movement on an owner's wallet.
type Entry struct {
	OwnerID     string
	OwnerType   string
	Type        string
	Amount      int64
	Description string
}

// Drift describes a wallet whose balance disagrees with its transaction lines.
type Drift struct {
	WalletID int64  `json:"wallet_id"`
	OwnerID  string `json:"owner_id"`
	Balance  int64  `json:"balance"`
	Sum      int64  `json:"sum"`
}

func (d Drift) Diff() int64 { return d.Balance - d.Sum }

type Ledger struct {
	db         *gorm.DB
	wallets    *repository.WalletRepository
	txns       *repository.TransactionRepository
	currency   string
	maxRetries uint
	logger     *zap.Logger
}

func New(db *gorm.DB, currency string, maxRetries int, logger *zap.Logger) *Ledger {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Ledger{
		db:         db,
		wallets:    repository.NewWalletRepository(db),
		txns:       repository.NewTransactionRepository(db),
		currency:   currency,
		maxRetries: uint(maxRetries),
		logger:     logger,
	}
}

// InTx runs fn inside one database transaction. When a wallet version
// conflict aborts it, the whole transaction is re-run from a fresh read,
// up to maxRetries times. Any other error ends it immediately.
//
// 【Why re-run the whole transaction】
// A conflict means some wallet read in fn is stale. Re-applying only the
// failed update would keep every decision fn made from that read, such as
// whether the buyer could afford the order. Rolling back and calling fn
// again makes every decision again on current data.
func (l *Ledger) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			observability.LedgerVersionConflicts.Inc()
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Debug("ledger transaction conflict, retrying", zap.Duration("in", next), zap.Error(err))
		}),
	)
	if errors.Is(err, repository.ErrVersionConflict) {
		l.logger.Warn("ledger transaction gave up on version conflicts", zap.Uint("attempts", l.maxRetries))
		return apperr.Wrap(apperr.KindInternal, "wallet busy, try again", err)
	}
	return unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Unwrap()
	}
	return err
}

// Post applies entries inside tx, in owner order. A debit that would take a
// wallet below zero fails with InsufficientFunds and the caller must roll back.
func (l *Ledger) Post(ctx context.Context, tx *gorm.DB, orderNo string, entries ...Entry) ([]*model.WalletTransaction, error) {
	ordered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Amount != 0 {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OwnerID < ordered[j].OwnerID })

	var orderRef *string
	if orderNo != "" {
		orderRef = &orderNo
	}

	lines := make([]*model.WalletTransaction, 0, len(ordered))
	for _, e := range ordered {
		ownerType := e.OwnerType
		if ownerType == "" {
			ownerType = model.OwnerTypeUser
		}
		wallet, err := l.wallets.GetOrCreate(ctx, tx, e.OwnerID, ownerType, l.currency)
		if err != nil {
			return nil, fmt.Errorf("load wallet %s: %w", e.OwnerID, err)
		}

		before := wallet.Balance
		if err := l.wallets.ApplyDelta(ctx, tx, wallet, e.Amount); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				return nil, apperr.Wrap(apperr.KindInsufficientFunds,
					fmt.Sprintf("wallet %s cannot cover %d", e.OwnerID, -e.Amount), err)
			}
			return nil, err
		}

		line := &model.WalletTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			WalletID:      wallet.ID,
			OwnerID:       e.OwnerID,
			OrderNo:       orderRef,
			Type:          e.Type,
			Amount:        e.Amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Description:   e.Description,
		}
		if err := l.txns.Create(ctx, tx, line); err != nil {
			return nil, fmt.Errorf("append transaction: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Balance returns the owner's wallet, creating an empty one on first access.
func (l *Ledger) Balance(ctx context.Context, ownerID, ownerType string) (*model.Wallet, error) {
	return l.wallets.GetOrCreate(ctx, nil, ownerID, ownerType, l.currency)
}

func (l *Ledger) History(ctx context.Context, ownerID string, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	return l.txns.ListByOwner(ctx, ownerID, page, pageSize)
}

func (l *Ledger) OrderLines(ctx context.Context, tx *gorm.DB, orderNo string) ([]*model.WalletTransaction, error) {
	return l.txns.ListByOrder(ctx, tx, orderNo)
}

// Reconcile compares one wallet's balance with the sum of its lines.
// It returns nil when they agree.
func (l *Ledger) Reconcile(ctx context.Context, wallet *model.Wallet) (*Drift, error) {
	sum, err := l.txns.SumByWallet(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	if sum == wallet.Balance {
		return nil, nil
	}
	return &Drift{WalletID: wallet.ID, OwnerID: wallet.OwnerID, Balance: wallet.Balance, Sum: sum}, nil
}

// ReconcileAll walks every wallet in batches.
func (l *Ledger) ReconcileAll(ctx context.Context, batchSize int) ([]Drift, error) {
	var drifts []Drift
	var afterID int64
	for {
		wallets, err := l.wallets.ListAfter(ctx, afterID, batchSize)
		if err != nil {
			return drifts, err
		}
		for _, w := range wallets {
			d, err := l.Reconcile(ctx, w)
			if err != nil {
				return drifts, err
			}
			if d != nil {
				drifts = append(drifts, *d)
			}
			afterID = w.ID
		}
		if len(wallets) < batchSize {
			return drifts, nil
		}
	}
}
