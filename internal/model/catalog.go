package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const CourseApproved = "APPROVED"

// Course is the settlement-side view of a catalog entry.
type Course struct {
	ID                        string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	Title                     string          `gorm:"type:varchar(255);not null" json:"title"`
	Price                     int64           `gorm:"not null" json:"price"`
	OfferPrice                int64           `gorm:"not null" json:"offer_price"`
	InstructorID              string          `gorm:"type:varchar(64);index;not null" json:"instructor_id"`
	InstructorSharePercentage decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"instructor_share_percentage"`
	IsPublished               bool            `gorm:"not null" json:"is_published"`
	ApprovalStatus            string          `gorm:"type:varchar(16);not null" json:"approval_status"`
	CreatedAt                 time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Course) TableName() string {
	return "course"
}

func (c *Course) Purchasable() bool {
	return c.IsPublished && c.ApprovalStatus == CourseApproved
}

// Enrollment grants a user access to a course. (user_id, course_id) is unique.
type Enrollment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_enrollment_user_course" json:"user_id"`
	CourseID  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_enrollment_user_course" json:"course_id"`
	OrderNo   string    `gorm:"type:varchar(64);index;not null" json:"order_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Enrollment) TableName() string {
	return "enrollment"
}

const (
	CouponTypePercentage = "PERCENTAGE"
	CouponTypeAmount     = "AMOUNT"
)

type Coupon struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Code           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Type           string          `gorm:"type:varchar(16);not null" json:"type"`
	Percentage     decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"percentage"`
	Amount         int64           `gorm:"not null;default:0" json:"amount"`
	MaxRedemptions int             `gorm:"not null;default:0" json:"max_redemptions"` // 0 = unlimited
	TimesRedeemed  int             `gorm:"not null;default:0" json:"times_redeemed"`
	ValidFrom      *time.Time      `json:"valid_from,omitempty"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
	Active         bool            `gorm:"not null" json:"active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Coupon) TableName() string {
	return "coupon"
}
