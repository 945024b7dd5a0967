package repository

import (
	"context"
	"errors"
	"time"

	"coursepay/internal/model"

	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order together with its line items.
func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return conn(r.db, tx).WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, tx *gorm.DB, orderNo string) (*model.Order, error) {
	return r.first(conn(r.db, tx).WithContext(ctx).Where("order_no = ?", orderNo))
}

func (r *OrderRepository) GetByProviderRef(ctx context.Context, ref string) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("provider_session_ref = ?", ref))
}

// GetByIdempotencyKey returns nil, nil when the buyer has no order under key.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*model.Order, error) {
	order, err := r.first(r.db.WithContext(ctx).Where("buyer_id = ? AND idempotency_key = ?", buyerID, key))
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

func (r *OrderRepository) first(q *gorm.DB) (*model.Order, error) {
	var order model.Order
	err := q.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Transition moves an order between states with a compare-and-set on its
// current statuses. extra carries additional columns to set in the same update.
func (r *OrderRepository) Transition(ctx context.Context, tx *gorm.DB, orderNo string, from, to model.State, extra map[string]interface{}) error {
	if !model.CanTransitionTo(from, to) {
		return ErrOrderStatusInvalid
	}

	fromPayment, fromOrder := from.Statuses()
	toPayment, toOrder := to.Statuses()

	updates := map[string]interface{}{
		"payment_status": toPayment,
		"order_status":   toOrder,
	}
	if to == model.StateCompleted {
		updates["completed_at"] = time.Now()
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Order{}).
		Where("order_no = ? AND payment_status = ? AND order_status = ?", orderNo, fromPayment, fromOrder).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// SetSession records the provider checkout session of a pending order.
func (r *OrderRepository) SetSession(ctx context.Context, tx *gorm.DB, orderNo, ref, url string) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Order{}).
		Where("order_no = ? AND payment_status = ?", orderNo, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"provider_session_ref": ref,
			"session_url":          url,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// UpdateFailed changes columns of an order that is FAILED without moving it.
func (r *OrderRepository) UpdateFailed(ctx context.Context, tx *gorm.DB, orderNo string, fields map[string]interface{}) error {
	payment, status := model.StateFailed.Statuses()
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Order{}).
		Where("order_no = ? AND payment_status = ? AND order_status = ?", orderNo, payment, status).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

func (r *OrderRepository) UpdateItemShares(ctx context.Context, tx *gorm.DB, item *model.OrderItem) error {
	return conn(r.db, tx).WithContext(ctx).
		Model(&model.OrderItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"instructor_share": item.InstructorShare,
			"admin_share":      item.AdminShare,
		}).Error
}

// GetAbandoned lists pending orders created before the cutoff that never
// obtained a provider session.
func (r *OrderRepository) GetAbandoned(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND order_status = ? AND provider_session_ref IS NULL AND created_at < ?",
			model.PaymentStatusPending, model.OrderStatusPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// GetStalled lists pending orders holding a provider session that has not
// moved since the cutoff.
func (r *OrderRepository) GetStalled(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND order_status = ? AND provider_session_ref IS NOT NULL AND updated_at < ?",
			model.PaymentStatusPending, model.OrderStatusPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.Order{}).Where("buyer_id = ?", buyerID)
	}

	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query().
		Preload("Items").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
