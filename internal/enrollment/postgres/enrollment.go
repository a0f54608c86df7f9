package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/lms-backend/internal"
	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
)

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) Create(ctx context.Context, e *enrollmentDatamodel.Enrollment) error {
	err := r.db.WithContext(ctx).Create(e).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("course %s: %w", e.CourseID, internal.ErrEnrollmentExists)
	}
	return err
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error) {
	var e enrollmentDatamodel.Enrollment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *EnrollmentRepository) GetByStudentAndCourse(ctx context.Context, studentID, courseID string) (*enrollmentDatamodel.Enrollment, error) {
	var e enrollmentDatamodel.Enrollment
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND course_id = ?", studentID, courseID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *EnrollmentRepository) Transaction(ctx context.Context, fn func(tx enrollment.TxStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewTxStore(tx))
	})
}

// TxStore runs enrollment reads and writes on an open gorm transaction.
type TxStore struct {
	tx *gorm.DB
}

func NewTxStore(tx *gorm.DB) *TxStore {
	return &TxStore{tx: tx}
}

func (s *TxStore) FindEnrollmentForUpdate(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error) {
	var e enrollmentDatamodel.Enrollment
	err := s.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (s *TxStore) UpdateEnrollment(ctx context.Context, e *enrollmentDatamodel.Enrollment) error {
	result := s.tx.WithContext(ctx).
		Model(&enrollmentDatamodel.Enrollment{}).
		Where("id = ?", e.ID).
		Updates(map[string]interface{}{
			"status":         e.Status,
			"progress":       e.Progress,
			"completed_date": e.CompletedDate,
			"updated_at":     e.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return internal.ErrEnrollmentNotFound
	}
	return nil
}
