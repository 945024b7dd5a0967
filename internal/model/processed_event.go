package model

import (
	"time"
)

// ProcessedEvent records a provider webhook event that has been applied.
type ProcessedEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider  string    `gorm:"type:varchar(16);not null;uniqueIndex:idx_processed_event_provider_event" json:"provider"`
	EventID   string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_processed_event_provider_event" json:"event_id"`
	EventType string    `gorm:"type:varchar(128);not null" json:"event_type"`
	OrderNo   string    `gorm:"type:varchar(64);index" json:"order_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_event"
}

// All lists every persisted model, in migration order.
func All() []any {
	return []any{
		&Course{},
		&Coupon{},
		&Order{},
		&OrderItem{},
		&Wallet{},
		&WalletTransaction{},
		&Enrollment{},
		&ProcessedEvent{},
		&OutboxMessage{},
	}
}
