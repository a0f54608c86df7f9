package enrollment

import (
	"context"
	"time"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/core/common/validation"
	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusActive         Status = "active"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

type Enrollment struct {
	ID            string     `json:"id"`
	StudentID     string     `json:"student_id"`
	CourseID      string     `json:"course_id"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	EnrolledAt    time.Time  `json:"enrolled_at"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TxStore is the enrollment slice of a store transaction. Reads lock the row
// until the surrounding transaction ends.
type TxStore interface {
	FindEnrollmentForUpdate(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *enrollmentDatamodel.Enrollment) error
}

func NewEnrollment(id, studentID, courseID string, now time.Time) *Enrollment {
	return &Enrollment{
		ID:         id,
		StudentID:  studentID,
		CourseID:   courseID,
		Status:     StatusPendingPayment,
		EnrolledAt: now,
		UpdatedAt:  now,
	}
}

func (e *Enrollment) IsPayable() bool {
	return e.Status == StatusPendingPayment
}

// Activate grants course access. Completed enrollments are left as they are.
func (e *Enrollment) Activate(now time.Time) bool {
	if e.Status == StatusActive || e.Status == StatusCompleted {
		return false
	}
	e.Status = StatusActive
	e.Progress = 0
	e.UpdatedAt = now
	return true
}

// Cancel only applies while the enrollment is still waiting for payment.
func (e *Enrollment) Cancel(now time.Time) bool {
	if e.Status != StatusPendingPayment {
		return false
	}
	e.Status = StatusCancelled
	e.UpdatedAt = now
	return true
}

func (e *Enrollment) UpdateProgress(progress int, now time.Time) error {
	if appErr := validation.ValidateProgress(progress); appErr != nil {
		return appErr
	}
	if e.Status != StatusActive {
		return internal.NewConflictError("progress can only be recorded on an active enrollment", internal.ErrCodeInvalidEnrollmentStep)
	}

	e.Progress = progress
	e.UpdatedAt = now
	if progress == 100 {
		e.Status = StatusCompleted
		e.CompletedDate = &now
	}
	return nil
}

func ToDataModel(e *Enrollment) *enrollmentDatamodel.Enrollment {
	return &enrollmentDatamodel.Enrollment{
		ID:            e.ID,
		StudentID:     e.StudentID,
		CourseID:      e.CourseID,
		Status:        string(e.Status),
		Progress:      e.Progress,
		EnrolledAt:    e.EnrolledAt,
		CompletedDate: e.CompletedDate,
		UpdatedAt:     e.UpdatedAt,
	}
}

func FromDataModel(e *enrollmentDatamodel.Enrollment) *Enrollment {
	return &Enrollment{
		ID:            e.ID,
		StudentID:     e.StudentID,
		CourseID:      e.CourseID,
		Status:        Status(e.Status),
		Progress:      e.Progress,
		EnrolledAt:    e.EnrolledAt,
		CompletedDate: e.CompletedDate,
		UpdatedAt:     e.UpdatedAt,
	}
}
