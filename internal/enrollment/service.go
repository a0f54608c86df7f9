package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/lms-backend/internal"
	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	"github.com/frahmantamala/lms-backend/pkg/logger"
)

type RepositoryAPI interface {
	Create(ctx context.Context, e *enrollmentDatamodel.Enrollment) error
	GetByID(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error)
	GetByStudentAndCourse(ctx context.Context, studentID, courseID string) (*enrollmentDatamodel.Enrollment, error)
	Transaction(ctx context.Context, fn func(tx TxStore) error) error
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromOr(ctx, s.logger)
}

// Enroll creates a pending_payment enrollment for the student. A student holds
// at most one enrollment per course.
func (s *Service) Enroll(ctx context.Context, studentID, courseID string) (*Enrollment, error) {
	if studentID == "" {
		return nil, internal.NewValidationFieldError("student_id", "student_id is required", internal.ErrCodeValidationFailed)
	}
	if courseID == "" {
		return nil, internal.NewValidationFieldError("course_id", "course_id is required", internal.ErrCodeValidationFailed)
	}

	existing, err := s.repo.GetByStudentAndCourse(ctx, studentID, courseID)
	if err != nil {
		s.log(ctx).Error("failed to look up enrollment", "student_id", studentID, "course_id", courseID, "error", err)
		return nil, internal.NewInternalError("failed to look up enrollment", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("course %s: %w", courseID, internal.ErrEnrollmentExists)
	}

	e := NewEnrollment(uuid.New().String(), studentID, courseID, s.now())
	if err := s.repo.Create(ctx, ToDataModel(e)); err != nil {
		if errors.Is(err, internal.ErrEnrollmentExists) {
			return nil, err
		}
		s.log(ctx).Error("failed to create enrollment", "student_id", studentID, "course_id", courseID, "error", err)
		return nil, internal.NewInternalError("failed to create enrollment", err)
	}

	s.log(ctx).Info("enrollment created", "enrollment_id", e.ID, "student_id", studentID, "course_id", courseID)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Enrollment, error) {
	data, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, internal.NewInternalError("failed to get enrollment", err)
	}
	if data == nil {
		return nil, internal.ErrEnrollmentNotFound
	}
	return FromDataModel(data), nil
}

// UpdateProgress records course progress; reaching 100 completes the enrollment.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) (*Enrollment, error) {
	var updated *Enrollment

	err := s.repo.Transaction(ctx, func(tx TxStore) error {
		data, err := tx.FindEnrollmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if data == nil {
			return internal.ErrEnrollmentNotFound
		}

		e := FromDataModel(data)
		if err := e.UpdateProgress(progress, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateEnrollment(ctx, ToDataModel(e)); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		s.log(ctx).Error("failed to update progress", "enrollment_id", id, "error", err)
		return nil, internal.NewInternalError("failed to update progress", err)
	}

	s.log(ctx).Info("enrollment progress updated", "enrollment_id", id, "progress", progress, "status", updated.Status)
	return updated, nil
}
