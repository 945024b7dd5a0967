package service

import (
	"context"

	"coursepay/internal/model"
	"coursepay/internal/repository"

	"gorm.io/gorm"
)

type OrderPage struct {
	Items    []*model.Order `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// OrderService answers buyer queries about their orders.
type OrderService struct {
	orderRepo *repository.OrderRepository
	outbox    *repository.OutboxRepository
}

func NewOrderService(db *gorm.DB) *OrderService {
	return &OrderService{
		orderRepo: repository.NewOrderRepository(db),
		outbox:    repository.NewOutboxRepository(db),
	}
}

// GetOrder returns the buyer's order. Someone else's order reads as not found.
func (s *OrderService) GetOrder(ctx context.Context, buyerID, orderNo string) (*CheckoutResult, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, nil, orderNo)
	if err != nil {
		return nil, translate(err)
	}
	if order.BuyerID != buyerID {
		return nil, translate(repository.ErrOrderNotFound)
	}
	return resultOf(order), nil
}

func (s *OrderService) ListOrders(ctx context.Context, buyerID string, page, pageSize int) (*OrderPage, error) {
	page, pageSize = clampPage(page, pageSize)
	orders, total, err := s.orderRepo.ListByBuyer(ctx, buyerID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &OrderPage{Items: orders, Total: total, Page: page, PageSize: pageSize}, nil
}

// Events lists the notifications staged for an order, oldest first.
func (s *OrderService) Events(ctx context.Context, orderNo string) ([]*model.OutboxMessage, error) {
	return s.outbox.ListByAggregate(ctx, orderNo)
}
