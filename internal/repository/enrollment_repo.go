package repository

import (
	"context"
	"errors"

	"coursepay/internal/model"

	"gorm.io/gorm"
)

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Grant enrolls the user, failing with ErrAlreadyEnrolled if the pair exists.
func (r *EnrollmentRepository) Grant(ctx context.Context, tx *gorm.DB, userID, courseID, orderNo string) error {
	db := conn(r.db, tx).WithContext(ctx)

	var count int64
	if err := db.Model(&model.Enrollment{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyEnrolled
	}

	err := db.Create(&model.Enrollment{UserID: userID, CourseID: courseID, OrderNo: orderNo}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyEnrolled
	}
	return err
}

// EnrolledCourseIDs returns the subset of courseIDs the user is enrolled in.
func (r *EnrollmentRepository) EnrolledCourseIDs(ctx context.Context, userID string, courseIDs []string) ([]string, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("user_id = ? AND course_id IN ?", userID, courseIDs).
		Pluck("course_id", &ids).Error
	return ids, err
}

func (r *EnrollmentRepository) RevokeByOrder(ctx context.Context, tx *gorm.DB, orderNo string) (int64, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Where("order_no = ?", orderNo).
		Delete(&model.Enrollment{})
	return result.RowsAffected, result.Error
}
