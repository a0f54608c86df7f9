package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
)

const statusSummaryQuery = `
	SELECT status, COUNT(*) AS total, COALESCE(SUM(amount), 0) AS amount
	FROM payments
	GROUP BY status
	ORDER BY status`

// ReportRepository serves read-only aggregates straight from sqlx.
type ReportRepository struct {
	db *sqlx.DB
}

func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) StatusSummary(ctx context.Context) ([]paymentDatamodel.StatusSummary, error) {
	var summaries []paymentDatamodel.StatusSummary
	if err := r.db.SelectContext(ctx, &summaries, statusSummaryQuery); err != nil {
		return nil, err
	}
	return summaries, nil
}
