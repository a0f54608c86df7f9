package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/pkg/logger"
)

// Activator applies the enrollment side of a payment transition. It always
// runs inside the caller's store transaction so both records move together.
type Activator struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewActivator(logger *slog.Logger) *Activator {
	return &Activator{
		logger: logger,
		now:    time.Now,
	}
}

func (a *Activator) log(ctx context.Context) *slog.Logger {
	return logger.FromOr(ctx, a.logger)
}

// Activate sets the enrollment active with progress reset. The returned bool is
// false when the enrollment already had access.
func (a *Activator) Activate(ctx context.Context, tx TxStore, enrollmentID string) (*Enrollment, bool, error) {
	e, err := a.load(ctx, tx, enrollmentID)
	if err != nil {
		return nil, false, err
	}

	previous := e.Status
	if !e.Activate(a.now()) {
		a.log(ctx).Debug("enrollment already has access", "enrollment_id", enrollmentID, "status", previous)
		return e, false, nil
	}

	if err := tx.UpdateEnrollment(ctx, ToDataModel(e)); err != nil {
		return nil, false, fmt.Errorf("failed to activate enrollment %s: %w", enrollmentID, err)
	}

	a.log(ctx).Info("enrollment activated", "enrollment_id", enrollmentID, "previous_status", previous)
	return e, true, nil
}

// Cancel moves a pending_payment enrollment to cancelled. Active and completed
// enrollments are never downgraded.
func (a *Activator) Cancel(ctx context.Context, tx TxStore, enrollmentID string) (*Enrollment, bool, error) {
	e, err := a.load(ctx, tx, enrollmentID)
	if err != nil {
		return nil, false, err
	}

	previous := e.Status
	if !e.Cancel(a.now()) {
		a.log(ctx).Info("enrollment cancel skipped", "enrollment_id", enrollmentID, "status", previous)
		return e, false, nil
	}

	if err := tx.UpdateEnrollment(ctx, ToDataModel(e)); err != nil {
		return nil, false, fmt.Errorf("failed to cancel enrollment %s: %w", enrollmentID, err)
	}

	a.log(ctx).Info("enrollment cancelled", "enrollment_id", enrollmentID)
	return e, true, nil
}

func (a *Activator) load(ctx context.Context, tx TxStore, enrollmentID string) (*Enrollment, error) {
	data, err := tx.FindEnrollmentForUpdate(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}
	if data == nil {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, internal.ErrEnrollmentNotFound)
	}
	return FromDataModel(data), nil
}
