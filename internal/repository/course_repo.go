package repository

import (
	"context"

	"coursepay/internal/model"

	"gorm.io/gorm"
)

// CourseRepository reads the catalog tables owned by the course service.
type CourseRepository struct {
	db *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// GetByIDs returns the courses found; missing ids are simply absent.
func (r *CourseRepository) GetByIDs(ctx context.Context, ids []string) ([]*model.Course, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var courses []*model.Course
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&courses).Error
	return courses, err
}

func (r *CourseRepository) Save(ctx context.Context, course *model.Course) error {
	return r.db.WithContext(ctx).Save(course).Error
}
