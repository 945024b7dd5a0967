package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Notification event types carried by the outbox.
const (
	EventCoursePurchased = "course.purchased"
	EventRevenueEarned   = "revenue.earned"
	EventPaymentFailed   = "payment.failed"
	EventOrderRefunded   = "order.refunded"
	EventWalletToppedUp  = "wallet.topped_up"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and published to Kafka later by the outbox sender.
type OutboxMessage struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey  string    `gorm:"type:varchar(64);not null" json:"message_key"`
	EventType   string    `gorm:"type:varchar(64);not null" json:"event_type"`
	AggregateID string    `gorm:"type:varchar(64);index;not null" json:"aggregate_id"`
	Topic       string    `gorm:"type:varchar(128);not null" json:"topic"`
	Payload     string    `gorm:"type:text;not null" json:"payload"`
	Status      string    `gorm:"type:varchar(20);index;not null" json:"status"`
	RetryCount  int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
