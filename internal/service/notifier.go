package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coursepay/internal/model"
	"coursepay/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Envelope is the JSON body of every notification published to Kafka.
type Envelope struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type CoursePurchasedEvent struct {
	OrderNo       string   `json:"order_id"`
	BuyerID       string   `json:"buyer_id"`
	CourseIDs     []string `json:"course_ids"`
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	PaymentMethod string   `json:"payment_method"`
}

type RevenueEarnedEvent struct {
	OrderNo      string   `json:"order_id"`
	InstructorID string   `json:"instructor_id"`
	CourseIDs    []string `json:"course_ids"`
	Amount       int64    `json:"amount"`
	Currency     string   `json:"currency"`
}

type PaymentFailedEvent struct {
	OrderNo string `json:"order_id"`
	BuyerID string `json:"buyer_id"`
	Reason  string `json:"reason"`
}

type OrderRefundedEvent struct {
	OrderNo  string `json:"order_id"`
	RefundNo string `json:"refund_no"`
	BuyerID  string `json:"buyer_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason,omitempty"`
}

type WalletToppedUpEvent struct {
	OrderNo string `json:"order_id"`
	OwnerID string `json:"owner_id"`
	Amount  int64  `json:"amount"`
}

// Notifier stages notification events in the outbox table. Callers pass the
// transaction that makes the announced change, so both commit or neither does.
type Notifier struct {
	outbox *repository.OutboxRepository
	topic  string
	now    func() time.Time
}

func NewNotifier(outbox *repository.OutboxRepository, topic string) *Notifier {
	return &Notifier{outbox: outbox, topic: topic, now: time.Now}
}

// Message builds an outbox row keyed by aggregateID, so events for one
// order land on one partition in order.
func (n *Notifier) Message(eventType, aggregateID string, data any) (*model.OutboxMessage, error) {
	body, err := json.Marshal(Envelope{
		EventID:    uuid.NewString(),
		Type:       eventType,
		OccurredAt: n.now().UTC(),
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return &model.OutboxMessage{
		MessageKey:  aggregateID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Topic:       n.topic,
		Payload:     string(body),
		Status:      model.OutboxStatusPending,
	}, nil
}

func (n *Notifier) Enqueue(ctx context.Context, tx *gorm.DB, eventType, aggregateID string, data any) error {
	msg, err := n.Message(eventType, aggregateID, data)
	if err != nil {
		return err
	}
	return n.EnqueueMessages(ctx, tx, msg)
}

func (n *Notifier) EnqueueMessages(ctx context.Context, tx *gorm.DB, msgs ...*model.OutboxMessage) error {
	if err := n.outbox.Create(ctx, tx, msgs...); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}
