package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/lms-backend/internal"
	enrollmentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/enrollment"
	paymentDatamodel "github.com/frahmantamala/lms-backend/internal/core/datamodel/payment"
	paymentgatewaytypes "github.com/frahmantamala/lms-backend/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/lms-backend/internal/core/events"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
	paymentpkg "github.com/frahmantamala/lms-backend/internal/payment"
)

const migrationsDir = "../../../db/migrations"

// dockerHealthy reports whether testcontainers can reach a Docker daemon. The
// provider lookup panics on hosts without Docker.
func dockerHealthy() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return provider.Health(context.Background()) == nil
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "lms_test",
				"POSTGRES_USER":     "lms",
				"POSTGRES_PASSWORD": "lms",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return container, "", fmt.Errorf("container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://lms:lms@%s:%s/lms_test?sslmode=disable", host, port.Port())
	return container, dsn, nil
}

type stubGateway struct{}

func (stubGateway) CreateTransaction(ctx context.Context, req *paymentgatewaytypes.CreateTransactionRequest) (*paymentgatewaytypes.CreateTransactionResponse, error) {
	return &paymentgatewaytypes.CreateTransactionResponse{
		Token:       "tok-" + req.TransactionDetails.OrderID,
		RedirectURL: "https://pay.example/" + req.TransactionDetails.OrderID,
	}, nil
}

func (stubGateway) GetStatus(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return nil, errors.New("not used")
}

func (stubGateway) Cancel(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return nil, errors.New("not used")
}

func (stubGateway) Expire(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return nil, errors.New("not used")
}

func (stubGateway) Refund(ctx context.Context, id string, req *paymentgatewaytypes.RefundRequest) (*paymentgatewaytypes.StatusResponse, error) {
	return nil, errors.New("not used")
}

type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *countingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[event.EventType()]++
	return nil
}

func (p *countingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[eventType]
}

var _ = ginkgo.Describe("Row locking on PostgreSQL", ginkgo.Ordered, func() {
	var (
		ctx       context.Context
		container testcontainers.Container
		db        *gorm.DB
		publisher *countingPublisher
		svc       *paymentpkg.Service
	)

	ginkgo.BeforeAll(func() {
		if !dockerHealthy() {
			ginkgo.Skip("docker is not available")
		}
		ctx = context.Background()

		var (
			dsn string
			err error
		)
		container, dsn, err = startPostgres(ctx)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		db, err = gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
			TranslateError: true,
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		sqlDB, err := db.DB()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		sqlDB.SetMaxOpenConns(16)

		goose.SetLogger(goose.NopLogger())
		gomega.Expect(goose.SetDialect("postgres")).To(gomega.Succeed())
		gomega.Expect(goose.Up(sqlDB, migrationsDir)).To(gomega.Succeed())
	})

	ginkgo.AfterAll(func() {
		if db != nil {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		if container != nil {
			gomega.Expect(testcontainers.TerminateContainer(container)).To(gomega.Succeed())
		}
	})

	ginkgo.BeforeEach(func() {
		gomega.Expect(db.Exec("TRUNCATE payments, enrollments").Error).To(gomega.Succeed())

		now := time.Now().UTC()
		gomega.Expect(db.Create(&enrollmentDatamodel.Enrollment{
			ID:         "enr-1",
			StudentID:  "student-1",
			CourseID:   "course-1",
			Status:     "pending_payment",
			EnrolledAt: now,
			UpdatedAt:  now,
		}).Error).To(gomega.Succeed())

		discard := slog.New(slog.NewTextHandler(io.Discard, nil))
		publisher = &countingPublisher{counts: map[string]int{}}
		svc = paymentpkg.NewService(
			NewPaymentRepository(db),
			stubGateway{},
			enrollment.NewActivator(discard),
			publisher,
			paymentpkg.Config{ServerKey: "SB-server-key", CheckoutExpiry: time.Hour},
			discard,
		)
	})

	checkoutRequest := func() *paymentpkg.CreateTransactionRequest {
		return &paymentpkg.CreateTransactionRequest{
			UserID:   "student-1",
			Amount:   150000,
			Metadata: paymentpkg.Metadata{EnrollmentID: "enr-1"},
		}
	}

	notify := func(orderID, status string) (*paymentpkg.WebhookResult, error) {
		return svc.ProcessWebhook(ctx, &paymentpkg.Notification{
			OrderID:           orderID,
			TransactionStatus: status,
			StatusCode:        "200",
			GrossAmount:       "150000.00",
			PaymentType:       "bank_transfer",
		})
	}

	// runConcurrently starts n calls together and returns how many changed state.
	runConcurrently := func(n int, call func() (bool, error)) int {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			changed int
			start   = make(chan struct{})
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer ginkgo.GinkgoRecover()
				defer wg.Done()
				<-start
				ok, err := call()
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				if ok {
					mu.Lock()
					changed++
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()
		return changed
	}

	loadEnrollment := func() *enrollmentDatamodel.Enrollment {
		var e enrollmentDatamodel.Enrollment
		gomega.Expect(db.Where("id = ?", "enr-1").First(&e).Error).To(gomega.Succeed())
		return &e
	}

	ginkgo.It("lets one of two concurrent checkouts through", func() {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			pending   int
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer ginkgo.GinkgoRecover()
				defer wg.Done()
				_, err := svc.CreateTransaction(ctx, checkoutRequest(), "")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, internal.ErrPaymentPending):
					pending++
				default:
					ginkgo.Fail("unexpected checkout error: " + err.Error())
				}
			}()
		}
		wg.Wait()

		gomega.Expect(succeeded).To(gomega.Equal(1))
		gomega.Expect(pending).To(gomega.Equal(1))

		var n int64
		gomega.Expect(db.Model(&paymentDatamodel.Payment{}).Count(&n).Error).To(gomega.Succeed())
		gomega.Expect(n).To(gomega.Equal(int64(1)))
	})

	ginkgo.It("applies concurrent settlement notifications once", func() {
		result, err := svc.CreateTransaction(ctx, checkoutRequest(), "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		changed := runConcurrently(8, func() (bool, error) {
			out, err := notify(result.OrderID, "settlement")
			if err != nil {
				return false, err
			}
			return out.Changed, nil
		})

		gomega.Expect(changed).To(gomega.Equal(1))
		gomega.Expect(loadEnrollment().Status).To(gomega.Equal("active"))
		gomega.Expect(publisher.count(events.EventTypeEnrollmentActivated)).To(gomega.Equal(1))
		gomega.Expect(publisher.count(events.EventTypePaymentStatusChanged)).To(gomega.Equal(1))
	})

	ginkgo.It("applies concurrent cancel notifications once", func() {
		result, err := svc.CreateTransaction(ctx, checkoutRequest(), "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		changed := runConcurrently(2, func() (bool, error) {
			out, err := notify(result.OrderID, "cancel")
			if err != nil {
				return false, err
			}
			return out.Changed, nil
		})

		gomega.Expect(changed).To(gomega.Equal(1))
		gomega.Expect(loadEnrollment().Status).To(gomega.Equal("cancelled"))
		gomega.Expect(publisher.count(events.EventTypeEnrollmentCancelled)).To(gomega.Equal(1))
	})
})
