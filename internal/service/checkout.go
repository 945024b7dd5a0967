package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/model"
	"coursepay/internal/repository"
	"coursepay/pkg/money"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Catalog is the course lookup settlement depends on.
type Catalog interface {
	GetByIDs(ctx context.Context, ids []string) ([]*model.Course, error)
}

type CreateOrderRequest struct {
	BuyerID        string              `json:"-"`
	CourseIDs      []string            `json:"course_ids" binding:"required"`
	PaymentMethod  model.PaymentMethod `json:"payment_method" binding:"required"`
	CouponCode     string              `json:"coupon_code"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (r *CreateOrderRequest) validate() error {
	if strings.TrimSpace(r.BuyerID) == "" {
		return apperr.Validation("buyer_id", "buyer is required")
	}
	if len(r.CourseIDs) == 0 {
		return apperr.Validation("course_ids", "cart is empty")
	}
	seen := make(map[string]struct{}, len(r.CourseIDs))
	for _, id := range r.CourseIDs {
		if strings.TrimSpace(id) == "" {
			return apperr.Validation("course_ids", "course id is empty")
		}
		if _, dup := seen[id]; dup {
			return apperr.Validationf("course_ids", "course %s appears twice", id)
		}
		seen[id] = struct{}{}
	}
	if !r.PaymentMethod.Valid() {
		return apperr.Validationf("payment_method", "unsupported payment method %q", r.PaymentMethod)
	}
	return nil
}

type TopUpRequest struct {
	OwnerID        string              `json:"-"`
	Amount         int64               `json:"amount" binding:"required"`
	PaymentMethod  model.PaymentMethod `json:"payment_method" binding:"required"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (r *TopUpRequest) validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return apperr.Validation("owner_id", "owner is required")
	}
	if r.Amount <= 0 {
		return apperr.Validation("amount", "amount must be positive")
	}
	if !r.PaymentMethod.Remote() {
		return apperr.Validationf("payment_method", "top-up needs STRIPE or PAYPAL, got %q", r.PaymentMethod)
	}
	return nil
}

// freezeItems resolves the cart against the catalog and snapshots price and
// revenue split for each course, in cart order.
func (s *SettlementService) freezeItems(ctx context.Context, buyerID string, courseIDs []string) ([]model.OrderItem, error) {
	courses, err := s.catalog.GetByIDs(ctx, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("load courses: %w", err)
	}
	byID := make(map[string]*model.Course, len(courses))
	for _, c := range courses {
		byID[c.ID] = c
	}

	items := make([]model.OrderItem, 0, len(courseIDs))
	for _, id := range courseIDs {
		c, ok := byID[id]
		if !ok {
			return nil, apperr.Validationf("course_ids", "course %s does not exist", id)
		}
		if !c.Purchasable() {
			return nil, apperr.Validationf("course_ids", "course %s is not available for purchase", id)
		}
		if c.InstructorID == buyerID {
			return nil, apperr.Validationf("course_ids", "cannot buy your own course %s", id)
		}
		if err := money.ValidatePercentage(c.InstructorSharePercentage); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "course "+id+" has an invalid revenue share", err)
		}

		offer := c.OfferPrice
		if offer <= 0 || offer > c.Price {
			offer = c.Price
		}
		items = append(items, model.OrderItem{
			CourseID:                  c.ID,
			Title:                     c.Title,
			ListPrice:                 c.Price,
			OfferPrice:                offer,
			InstructorID:              c.InstructorID,
			InstructorSharePercentage: c.InstructorSharePercentage,
			AdminSharePercentage:      hundred.Sub(c.InstructorSharePercentage),
		})
	}

	enrolled, err := s.enrollments.EnrolledCourseIDs(ctx, buyerID, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("check enrollments: %w", err)
	}
	if len(enrolled) > 0 {
		return nil, apperr.Wrap(apperr.KindAlreadyEnrolled,
			"already enrolled in "+strings.Join(enrolled, ", "), repository.ErrAlreadyEnrolled)
	}
	return items, nil
}

// applyCoupon lowers the frozen offer prices in place and returns the total
// discount. An empty code is a no-op.
func (s *SettlementService) applyCoupon(ctx context.Context, code string, items []model.OrderItem) (int64, error) {
	if code == "" {
		return 0, nil
	}
	coupon, err := s.coupons.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return 0, apperr.Validation("coupon_code", "unknown coupon")
		}
		return 0, fmt.Errorf("load coupon: %w", err)
	}
	if err := checkCoupon(coupon, s.now()); err != nil {
		return 0, err
	}
	return discountItems(coupon, items), nil
}

func checkCoupon(c *model.Coupon, now time.Time) error {
	switch {
	case !c.Active:
		return apperr.Validation("coupon_code", "coupon is not active")
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return apperr.Validation("coupon_code", "coupon is not valid yet")
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return apperr.Validation("coupon_code", "coupon has expired")
	case c.MaxRedemptions > 0 && c.TimesRedeemed >= c.MaxRedemptions:
		return apperr.Validation("coupon_code", "coupon has been fully redeemed")
	case c.Type == model.CouponTypePercentage && money.ValidatePercentage(c.Percentage) != nil:
		return apperr.Validation("coupon_code", "coupon percentage is out of range")
	case c.Type != model.CouponTypePercentage && c.Type != model.CouponTypeAmount:
		return apperr.Validation("coupon_code", "coupon type is not supported")
	}
	return nil
}

func discountItems(c *model.Coupon, items []model.OrderItem) int64 {
	var total int64
	switch c.Type {
	case model.CouponTypePercentage:
		for i := range items {
			off := money.PercentOf(items[i].OfferPrice, c.Percentage)
			items[i].OfferPrice -= off
			total += off
		}
	case model.CouponTypeAmount:
		remaining := c.Amount
		for i := range items {
			if remaining <= 0 {
				break
			}
			off := min(remaining, items[i].OfferPrice)
			items[i].OfferPrice -= off
			remaining -= off
			total += off
		}
	}
	return total
}
