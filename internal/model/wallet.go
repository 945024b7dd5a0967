package model

import (
	"time"
)

const (
	OwnerTypeUser     = "USER"
	OwnerTypePlatform = "PLATFORM"
)

// Wallet is the balance projection of an owner's transactions.
// Balance never goes negative; Version guards concurrent updates.
type Wallet struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"owner_id"`
	OwnerType string    `gorm:"type:varchar(16);not null" json:"owner_type"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Currency  string    `gorm:"type:varchar(8);not null" json:"currency"`
	Version   int       `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
