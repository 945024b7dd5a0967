package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderStatusInvalid = errors.New("order status does not allow this transition")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrBalanceNotEnough   = errors.New("wallet balance not enough")
	ErrVersionConflict    = errors.New("wallet version conflict, retry")
	ErrAlreadyEnrolled    = errors.New("user already enrolled in course")
	ErrCouponNotFound     = errors.New("coupon not found")
)

// conn picks the caller's transaction when there is one.
func conn(db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return db
}
