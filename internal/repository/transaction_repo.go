package repository

import (
	"context"

	"coursepay/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.WalletTransaction) error {
	return conn(r.db, tx).WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	var transactions []*model.WalletTransaction
	var total int64

	query := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("owner_id = ?", ownerID)
	}

	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query().
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

func (r *TransactionRepository) ListByOrder(ctx context.Context, tx *gorm.DB, orderNo string) ([]*model.WalletTransaction, error) {
	var transactions []*model.WalletTransaction
	err := conn(r.db, tx).WithContext(ctx).
		Where("order_no = ?", orderNo).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

// SumByWallet totals every ledger line of a wallet.
func (r *TransactionRepository) SumByWallet(ctx context.Context, walletID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.WalletTransaction{}).
		Where("wallet_id = ?", walletID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
