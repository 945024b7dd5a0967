package repository

import (
	"context"
	"errors"

	"coursepay/internal/model"

	"gorm.io/gorm"
)

type CouponRepository struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	return r.db.WithContext(ctx).Create(coupon).Error
}

func (r *CouponRepository) GetByCode(ctx context.Context, code string) (*model.Coupon, error) {
	var coupon model.Coupon
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	return &coupon, nil
}

// Redeem counts one use of the coupon.
func (r *CouponRepository) Redeem(ctx context.Context, tx *gorm.DB, code string) error {
	return conn(r.db, tx).WithContext(ctx).
		Model(&model.Coupon{}).
		Where("code = ?", code).
		UpdateColumn("times_redeemed", gorm.Expr("times_redeemed + 1")).Error
}
