package repository

import (
	"context"
	"errors"

	"coursepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByOwner(ctx context.Context, tx *gorm.DB, ownerID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := conn(r.db, tx).WithContext(ctx).Where("owner_id = ?", ownerID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate returns the owner's wallet, inserting an empty one on first use.
func (r *WalletRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, ownerID, ownerType, currency string) (*model.Wallet, error) {
	wallet, err := r.GetByOwner(ctx, tx, ownerID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	err = conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(&model.Wallet{OwnerID: ownerID, OwnerType: ownerType, Currency: currency}).Error
	if err != nil {
		return nil, err
	}
	return r.GetByOwner(ctx, tx, ownerID)
}

// ApplyDelta adds delta to the balance if the wallet is still at the version
// the caller read and the result stays non-negative. On success the caller's
// copy is advanced to the new balance and version.
func (r *WalletRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, delta int64) error {
	db := conn(r.db, tx).WithContext(ctx)
	result := db.Model(&model.Wallet{}).
		Where("id = ? AND version = ? AND balance + ? >= 0", wallet.ID, wallet.Version, delta).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 【Why the guarded update matched nothing】
		// The UPDATE above is a current read, but a plain SELECT here would read
		// the transaction snapshot (MySQL REPEATABLE READ) and could miss a
		// deposit committed meanwhile. Take a shared lock for a current read,
		// and judge the version first: if the row moved under us the caller's
		// balance is stale, so the whole transaction must be re-run before
		// anyone is told the money is not there.
		var current model.Wallet
		if err := db.Clauses(clause.Locking{Strength: "SHARE"}).
			Where("id = ?", wallet.ID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		if current.Version != wallet.Version {
			return ErrVersionConflict
		}
		if current.Balance+delta < 0 {
			return ErrBalanceNotEnough
		}
		return ErrVersionConflict
	}

	wallet.Balance += delta
	wallet.Version++
	return nil
}

// ListAfter pages through wallets by id.
func (r *WalletRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}
