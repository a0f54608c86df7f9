package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/lms-backend/api"
	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	"github.com/frahmantamala/lms-backend/internal/core/events"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
	enrollmentPostgres "github.com/frahmantamala/lms-backend/internal/enrollment/postgres"
	"github.com/frahmantamala/lms-backend/internal/metrics"
	"github.com/frahmantamala/lms-backend/internal/payment"
	paymentPostgres "github.com/frahmantamala/lms-backend/internal/payment/postgres"
	paymentRedis "github.com/frahmantamala/lms-backend/internal/payment/redis"
	"github.com/frahmantamala/lms-backend/internal/paymentgateway"
	"github.com/frahmantamala/lms-backend/internal/reconcile"
	"github.com/frahmantamala/lms-backend/internal/transport"
	"github.com/frahmantamala/lms-backend/internal/transport/middleware"
	"github.com/frahmantamala/lms-backend/internal/transport/rest"
	"github.com/frahmantamala/lms-backend/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var withReconciler bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for checkout, gateway notifications and enrollment APIs`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func init() {
	httpServerCmd.Flags().BoolVar(&withReconciler, "with-reconciler", false, "Also run the stale payment reconciler in this process")
}

type Dependencies struct {
	Config            *internal.Config
	DB                *sqlx.DB
	GormDB            *gorm.DB
	Redis             redis.UniversalClient
	EventBus          *events.EventBus
	Kafka             *events.KafkaForwarder
	Metrics           *metrics.Metrics
	Tokens            *auth.JWTTokenGenerator
	PaymentService    *payment.Service
	EnrollmentService *enrollment.Service
	Logger            *slog.Logger
	shutdownTracing   func(context.Context)
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Logger.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reconciler *reconcile.Reconciler
	if withReconciler {
		reconciler = newReconciler(deps)
		reconciler.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		deps.Logger.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Logger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	if reconciler != nil {
		reconciler.Shutdown()
	}
	deps.Logger.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	base := transport.NewBaseHandler(deps.Logger)

	handlers := rest.Handlers{
		Health:     rest.NewHealthHandler(deps.DB.DB),
		Payment:    payment.NewHandler(base, deps.PaymentService),
		Webhook:    payment.NewWebhookHandler(base, deps.PaymentService),
		Enrollment: enrollment.NewHandler(base, deps.EnrollmentService),
	}
	if deps.Redis != nil {
		handlers.Health.WithRedis(deps.Redis)
	}

	opts := rest.Options{AllowedOrigins: deps.Config.Server.AllowedOrigins}
	if deps.Config.Server.ValidateRequests {
		validator, err := middleware.OpenAPIValidator(api.OpenAPISpec, deps.Logger)
		if err != nil {
			return nil, err
		}
		opts.Validator = validator
	}
	if deps.Config.Observability.Metrics.Enabled {
		opts.Metrics = deps.Metrics
		opts.MetricsPath = deps.Config.Observability.Metrics.Path
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.Tokens, handlers, opts, deps.Logger)
	return router, nil
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	deps := &Dependencies{
		Config:   config,
		DB:       db,
		GormDB:   gormDB,
		EventBus: events.NewEventBus(log),
		Metrics:  metrics.New(),
		Tokens:   auth.NewJWTTokenGenerator(config.Security.JWTSecret, config.Security.JWTIssuer),
		Logger:   log,
	}

	deps.shutdownTracing, err = initTracing(config.Observability.Tracing, os.Getenv("APP_ENV"), log)
	if err != nil {
		deps.Close()
		return nil, err
	}

	// with Kafka enabled the notification handlers run in "worker events"
	if config.Kafka.Enabled {
		producer, err := events.NewKafkaProducer(config.Kafka.Brokers)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Kafka = events.NewKafkaForwarder(producer, config.Kafka.Topic, log)
		deps.Kafka.Register(deps.EventBus)
	} else {
		payment.NewEventHandler(log).RegisterEventHandlers(deps.EventBus)
	}

	gateway := paymentgateway.NewClient(paymentgateway.Config{
		ServerKey:      config.Payment.ServerKey,
		SnapURL:        config.Payment.SnapURL,
		APIURL:         config.Payment.APIURL,
		RequestTimeout: config.Payment.RequestTimeout,
	}, log).WithObserver(deps.Metrics)

	deps.PaymentService = payment.NewService(
		paymentPostgres.NewPaymentRepository(gormDB),
		gateway,
		enrollment.NewActivator(log),
		deps.EventBus,
		payment.Config{
			ServerKey:       config.Payment.ServerKey,
			FinishURL:       config.Payment.FinishURL,
			RequestTimeout:  config.Payment.RequestTimeout,
			CheckoutExpiry:  config.Payment.CheckoutExpiry,
			VerifySignature: config.Payment.VerifySignature,
		},
		log,
	).WithReports(paymentPostgres.NewReportRepository(db)).
		WithRecorder(deps.Metrics)

	if config.Redis.Addr != "" {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err := deps.Redis.Ping(context.Background()).Err(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		deps.PaymentService.WithIdempotency(paymentRedis.NewIdempotencyStore(deps.Redis, 0, config.Redis.IdempotencyTTL))
	}

	deps.EnrollmentService = enrollment.NewService(enrollmentPostgres.NewEnrollmentRepository(gormDB), log)

	return deps, nil
}

func (d *Dependencies) Close() {
	drained := true
	if d.EventBus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.EventBus.Close(ctx); err != nil {
			d.Logger.Error("Event bus close error", "error", err)
			drained = false
		}
		cancel()
	}
	// a handler still sending would panic on a closed producer
	if d.Kafka != nil && drained {
		if err := d.Kafka.Close(); err != nil {
			d.Logger.Error("Kafka producer close error", "error", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error("Redis close error", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("Database close error", "error", err)
		}
	}
	if d.shutdownTracing != nil {
		d.shutdownTracing(context.Background())
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx connection pool with gorm.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
}
