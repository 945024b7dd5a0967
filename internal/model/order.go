package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodWallet PaymentMethod = "WALLET"
	PaymentMethodStripe PaymentMethod = "STRIPE"
	PaymentMethodPayPal PaymentMethod = "PAYPAL"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodWallet, PaymentMethodStripe, PaymentMethodPayPal:
		return true
	}
	return false
}

// Remote reports whether capture is confirmed asynchronously by a provider webhook.
func (m PaymentMethod) Remote() bool {
	return m == PaymentMethodStripe || m == PaymentMethodPayPal
}

const (
	OrderKindPurchase = "PURCHASE"
	OrderKindTopUp    = "TOPUP"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusCancelled = "CANCELLED"
)

// State is the lifecycle position of an order, derived from its
// (paymentStatus, orderStatus) pair.
type State string

const (
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateRefunded  State = "REFUNDED"
)

var ValidStateTransitions = map[State][]State{
	StatePending:   {StateCompleted, StateFailed, StateCancelled},
	StateFailed:    {StatePending},
	StateCompleted: {StateRefunded},
}

func CanTransitionTo(current, target State) bool {
	for _, s := range ValidStateTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// Statuses returns the persisted (paymentStatus, orderStatus) pair for a state.
func (s State) Statuses() (payment, order string) {
	switch s {
	case StateCompleted:
		return PaymentStatusCompleted, OrderStatusConfirmed
	case StateFailed:
		return PaymentStatusFailed, OrderStatusPending
	case StateCancelled:
		return PaymentStatusPending, OrderStatusCancelled
	case StateRefunded:
		return PaymentStatusRefunded, OrderStatusCancelled
	default:
		return PaymentStatusPending, OrderStatusPending
	}
}

// Order is one checkout attempt. Amount is frozen at creation.
type Order struct {
	ID                 int64         `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderNo            string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	BuyerID            string        `gorm:"type:varchar(64);index;not null;uniqueIndex:idx_order_buyer_idem" json:"buyer_id"`
	IdempotencyKey     *string       `gorm:"type:varchar(128);uniqueIndex:idx_order_buyer_idem" json:"-"`
	Kind               string        `gorm:"type:varchar(16);not null" json:"kind"`
	PaymentMethod      PaymentMethod `gorm:"type:varchar(16);not null" json:"payment_method"`
	Amount             int64         `gorm:"not null" json:"amount"`
	DiscountAmount     int64         `gorm:"not null;default:0" json:"discount_amount"`
	Currency           string        `gorm:"type:varchar(8);not null" json:"currency"`
	CouponCode         string        `gorm:"type:varchar(64)" json:"coupon_code,omitempty"`
	PaymentStatus      string        `gorm:"type:varchar(16);index;not null" json:"payment_status"`
	OrderStatus        string        `gorm:"type:varchar(16);index;not null" json:"order_status"`
	ProviderSessionRef *string       `gorm:"type:varchar(255);index" json:"provider_session_ref,omitempty"`
	SessionURL         string        `gorm:"type:varchar(1024)" json:"session_url,omitempty"`
	ProviderTxnID      *string       `gorm:"type:varchar(255)" json:"provider_txn_id,omitempty"`
	FailureReason      string        `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	Attempts           int           `gorm:"not null;default:1" json:"attempts"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CreatedAt          time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	Items              []OrderItem   `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

func (Order) TableName() string {
	return "course_order"
}

func (o *Order) State() State {
	switch {
	case o.PaymentStatus == PaymentStatusRefunded:
		return StateRefunded
	case o.OrderStatus == OrderStatusCancelled:
		return StateCancelled
	case o.PaymentStatus == PaymentStatusCompleted:
		return StateCompleted
	case o.PaymentStatus == PaymentStatusFailed:
		return StateFailed
	}
	return StatePending
}

func (o *Order) SessionRef() string {
	if o.ProviderSessionRef == nil {
		return ""
	}
	return *o.ProviderSessionRef
}

func (o *Order) TxnID() string {
	if o.ProviderTxnID == nil {
		return ""
	}
	return *o.ProviderTxnID
}

func (o *Order) CourseIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.CourseID)
	}
	return ids
}

// OrderItem freezes the price and revenue split of one course at order time.
type OrderItem struct {
	ID                        int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderID                   int64           `gorm:"index;not null" json:"-"`
	CourseID                  string          `gorm:"type:varchar(64);not null" json:"course_id"`
	Title                     string          `gorm:"type:varchar(255);not null" json:"title"`
	ListPrice                 int64           `gorm:"not null" json:"list_price"`
	OfferPrice                int64           `gorm:"not null" json:"offer_price"`
	InstructorID              string          `gorm:"type:varchar(64);index;not null" json:"instructor_id"`
	InstructorSharePercentage decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"instructor_share_percentage"`
	AdminSharePercentage      decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"admin_share_percentage"`
	InstructorShare           int64           `gorm:"not null;default:0" json:"instructor_share"`
	AdminShare                int64           `gorm:"not null;default:0" json:"admin_share"`
	CreatedAt                 time.Time       `gorm:"autoCreateTime" json:"-"`
}

func (OrderItem) TableName() string {
	return "order_item"
}
