package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
	enrollmentPostgres "github.com/frahmantamala/lms-backend/internal/enrollment/postgres"
	paymentpkg "github.com/frahmantamala/lms-backend/internal/payment"
)

var openStatuses = []string{string(paymentpkg.StatusPending), string(paymentpkg.StatusChallenge)}

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) GetByReference(ctx context.Context, ref string) (*paymentDatamodel.Payment, error) {
	return firstPayment(r.db.WithContext(ctx).Where("transaction_id = ? OR order_id = ?", ref, ref))
}

func (r *PaymentRepository) GetEnrollment(ctx context.Context, id string) (*enrollmentDatamodel.Enrollment, error) {
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

func (r *PaymentRepository) FindOpenPayment(ctx context.Context, enrollmentID string, since time.Time) (*paymentDatamodel.Payment, error) {
	return findOpen(r.db.WithContext(ctx), enrollmentID, since)
}

// ListStalePending returns pending payments created before olderThan, oldest first.
func (r *PaymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.Payment, error) {
	var payments []*paymentDatamodel.Payment
	query := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", openStatuses, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) Transaction(ctx context.Context, fn func(tx paymentpkg.TxRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txRepository{TxStore: enrollmentPostgres.NewTxStore(tx), tx: tx})
	})
}

type txRepository struct {
	*enrollmentPostgres.TxStore
	tx *gorm.DB
}

func (t *txRepository) CreatePayment(ctx context.Context, p *paymentDatamodel.Payment) error {
	return t.tx.WithContext(ctx).Create(p).Error
}

func (t *txRepository) FindPaymentForUpdate(ctx context.Context, ref string) (*paymentDatamodel.Payment, error) {
	return firstPayment(t.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ? OR order_id = ?", ref, ref))
}

func (t *txRepository) FindOpenPayment(ctx context.Context, enrollmentID string, since time.Time) (*paymentDatamodel.Payment, error) {
	return findOpen(t.tx.WithContext(ctx), enrollmentID, since)
}

func (t *txRepository) UpdatePayment(ctx context.Context, p *paymentDatamodel.Payment) error {
	updates := map[string]interface{}{
		"status":         p.Status,
		"payment_method": p.PaymentMethod,
		"failure_reason": p.FailureReason,
		"paid_at":        p.PaidAt,
		"updated_at":     p.UpdatedAt,
	}
	if len(p.GatewayResponse) > 0 {
		updates["gateway_response"] = p.GatewayResponse
	}

	result := t.tx.WithContext(ctx).
		Model(&paymentDatamodel.Payment{}).
		Where("id = ?", p.ID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func findOpen(db *gorm.DB, enrollmentID string, since time.Time) (*paymentDatamodel.Payment, error) {
	query := db.Where("enrollment_id = ? AND status IN ?", enrollmentID, openStatuses)
	if !since.IsZero() {
		query = query.Where("created_at > ?", since)
	}
	return firstPayment(query.Order("created_at DESC"))
}

func firstPayment(query *gorm.DB) (*paymentDatamodel.Payment, error) {
	var p paymentDatamodel.Payment
	if err := query.First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
