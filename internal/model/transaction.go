package model

import (
	"time"
)

const (
	TransactionTypeDeposit    = "DEPOSIT"
	TransactionTypeWithdrawal = "WITHDRAWAL"
	TransactionTypePurchase   = "PURCHASE"
	TransactionTypeRefund     = "REFUND"
	TransactionTypePayment    = "PAYMENT" // revenue credit to an instructor or the platform
)

// WalletTransaction is an append-only ledger line. Amount is signed:
// credits positive, debits negative. Summing a wallet's lines yields its balance.
type WalletTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	WalletID      int64     `gorm:"index;not null" json:"wallet_id"`
	OwnerID       string    `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	OrderNo       *string   `gorm:"type:varchar(64);index" json:"order_id,omitempty"`
	Type          string    `gorm:"type:varchar(16);not null" json:"type"`
	Amount        int64     `gorm:"not null" json:"amount"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Description   string    `gorm:"type:varchar(255)" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
