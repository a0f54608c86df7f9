package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/lms-backend/internal/payment"
)

func TestPaymentRepository(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Payment Repository Suite")
}

func openTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	gomega.Expect(err).ToNot(gomega.HaveOccurred())

	sqlDB, err := db.DB()
	gomega.Expect(err).ToNot(gomega.HaveOccurred())
	sqlDB.SetMaxOpenConns(1)

	gomega.Expect(db.AutoMigrate(&enrollmentDatamodel.Enrollment{}, &paymentDatamodel.Payment{})).To(gomega.Succeed())
	return db
}

var _ = ginkgo.Describe("PaymentRepository", func() {
	var (
		db   *gorm.DB
		repo *PaymentRepository
		ctx  context.Context
		base time.Time
	)

	newPayment := func(id, status string, createdAt time.Time) *paymentDatamodel.Payment {
		return &paymentDatamodel.Payment{
			ID:            id,
			TransactionID: "trx-" + id,
			OrderID:       "ORD-" + id,
			EnrollmentID:  "enr-1",
			UserID:        "student-1",
			Amount:        150000,
			Status:        status,
			ExpiresAt:     createdAt.Add(time.Hour),
			CreatedAt:     createdAt,
			UpdatedAt:     createdAt,
		}
	}

	insert := func(p *paymentDatamodel.Payment) {
		err := repo.Transaction(ctx, func(tx paymentpkg.TxRepository) error {
			return tx.CreatePayment(ctx, p)
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		db = openTestDB()
		repo = NewPaymentRepository(db)

		gomega.Expect(db.Create(&enrollmentDatamodel.Enrollment{
			ID:         "enr-1",
			StudentID:  "student-1",
			CourseID:   "course-1",
			Status:     "pending_payment",
			EnrolledAt: base,
			UpdatedAt:  base,
		}).Error).ToNot(gomega.HaveOccurred())
	})

	ginkgo.Describe("GetByReference", func() {
		ginkgo.It("matches either the transaction id or the order id", func() {
			insert(newPayment("p1", "pending", base))

			byTrx, err := repo.GetByReference(ctx, "trx-p1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(byTrx).ToNot(gomega.BeNil())
			gomega.Expect(byTrx.ID).To(gomega.Equal("p1"))

			byOrder, err := repo.GetByReference(ctx, "ORD-p1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(byOrder.ID).To(gomega.Equal("p1"))
		})

		ginkgo.It("returns nil without error when nothing matches", func() {
			p, err := repo.GetByReference(ctx, "missing")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p).To(gomega.BeNil())
		})
	})

	ginkgo.Describe("CreatePayment", func() {
		ginkgo.It("rejects a duplicate order id", func() {
			insert(newPayment("p1", "pending", base))

			dup := newPayment("p2", "pending", base)
			dup.OrderID = "ORD-p1"
			err := repo.Transaction(ctx, func(tx paymentpkg.TxRepository) error {
				return tx.CreatePayment(ctx, dup)
			})
			gomega.Expect(err).To(gomega.MatchError(gorm.ErrDuplicatedKey))
		})
	})

	ginkgo.Describe("FindOpenPayment", func() {
		ginkgo.It("only considers pending and challenge payments created after since", func() {
			insert(newPayment("old", "pending", base.Add(-2*time.Hour)))
			insert(newPayment("paid", "settlement", base))
			insert(newPayment("fresh", "challenge", base.Add(-10*time.Minute)))

			p, err := repo.FindOpenPayment(ctx, "enr-1", base.Add(-time.Hour))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p).ToNot(gomega.BeNil())
			gomega.Expect(p.ID).To(gomega.Equal("fresh"))
		})

		ginkgo.It("ignores age when since is zero", func() {
			insert(newPayment("old", "pending", base.Add(-48*time.Hour)))

			p, err := repo.FindOpenPayment(ctx, "enr-1", time.Time{})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p.ID).To(gomega.Equal("old"))
		})
	})

	ginkgo.Describe("ListStalePending", func() {
		ginkgo.It("returns open payments older than the cutoff, oldest first", func() {
			insert(newPayment("b", "pending", base.Add(-90*time.Minute)))
			insert(newPayment("a", "pending", base.Add(-3*time.Hour)))
			insert(newPayment("c", "pending", base))
			insert(newPayment("d", "expire", base.Add(-5*time.Hour)))

			payments, err := repo.ListStalePending(ctx, base.Add(-time.Hour), 10)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(payments).To(gomega.HaveLen(2))
			gomega.Expect(payments[0].ID).To(gomega.Equal("a"))
			gomega.Expect(payments[1].ID).To(gomega.Equal("b"))
		})
	})

	ginkgo.Describe("Transaction", func() {
		ginkgo.It("updates payment and enrollment together", func() {
			insert(newPayment("p1", "pending", base))
			paidAt := base.Add(time.Minute)

			err := repo.Transaction(ctx, func(tx paymentpkg.TxRepository) error {
				p, err := tx.FindPaymentForUpdate(ctx, "ORD-p1")
				if err != nil {
					return err
				}
				p.Status = "settlement"
				p.PaidAt = &paidAt
				p.UpdatedAt = paidAt
				p.GatewayResponse = []byte(`{"transaction_status":"settlement"}`)
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}

				e, err := tx.FindEnrollmentForUpdate(ctx, "enr-1")
				if err != nil {
					return err
				}
				e.Status = "active"
				e.UpdatedAt = paidAt
				return tx.UpdateEnrollment(ctx, e)
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			p, _ := repo.GetByReference(ctx, "trx-p1")
			gomega.Expect(p.Status).To(gomega.Equal("settlement"))
			gomega.Expect(p.PaidAt).ToNot(gomega.BeNil())
			gomega.Expect(string(p.GatewayResponse)).To(gomega.ContainSubstring("settlement"))

			e, _ := repo.GetEnrollment(ctx, "enr-1")
			gomega.Expect(e.Status).To(gomega.Equal("active"))
		})

		ginkgo.It("rolls both rows back when the callback fails", func() {
			insert(newPayment("p1", "pending", base))

			err := repo.Transaction(ctx, func(tx paymentpkg.TxRepository) error {
				p, _ := tx.FindPaymentForUpdate(ctx, "p1-missing")
				gomega.Expect(p).To(gomega.BeNil())

				p, err := tx.FindPaymentForUpdate(ctx, "trx-p1")
				if err != nil {
					return err
				}
				p.Status = "settlement"
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
				return tx.UpdateEnrollment(ctx, &enrollmentDatamodel.Enrollment{ID: "enr-missing"})
			})
			gomega.Expect(err).To(gomega.HaveOccurred())

			p, _ := repo.GetByReference(ctx, "trx-p1")
			gomega.Expect(p.Status).To(gomega.Equal("pending"))
		})
	})

	ginkgo.Describe("ReportRepository", func() {
		ginkgo.It("aggregates count and amount per status", func() {
			insert(newPayment("p1", "pending", base))
			insert(newPayment("p2", "settlement", base))
			p3 := newPayment("p3", "settlement", base)
			p3.Amount = 50000
			insert(p3)

			sqlDB, err := db.DB()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			reports := NewReportRepository(sqlx.NewDb(sqlDB, "sqlite3"))

			summaries, err := reports.StatusSummary(ctx)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(summaries).To(gomega.ConsistOf(
				paymentDatamodel.StatusSummary{Status: "pending", Count: 1, Amount: 150000},
				paymentDatamodel.StatusSummary{Status: "settlement", Count: 2, Amount: 200000},
			))
		})
	})
})
