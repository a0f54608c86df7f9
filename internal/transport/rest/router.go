package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/lms-backend/api"
	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
	"github.com/frahmantamala/lms-backend/internal/metrics"
	"github.com/frahmantamala/lms-backend/internal/payment"
	"github.com/frahmantamala/lms-backend/internal/transport/middleware"
	"github.com/frahmantamala/lms-backend/internal/transport/swagger"
)

type Handlers struct {
	Health     *HealthHandler
	Payment    *payment.Handler
	Webhook    *payment.WebhookHandler
	Enrollment *enrollment.Handler
}

type Options struct {
	AllowedOrigins string
	// Validator is applied to /api/v1 when set.
	Validator   func(http.Handler) http.Handler
	Metrics     *metrics.Metrics
	MetricsPath string
}

func RegisterAllRoutes(router *chi.Mux, tokens middleware.TokenValidator, handlers Handlers, opts Options, logger *slog.Logger) {
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(middleware.RequestID(logger))
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware)
	}
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, opts.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		if opts.Validator != nil {
			r.Use(opts.Validator)
		}

		if handlers.Health != nil {
			r.Get("/health", handlers.Health.healthCheckHandler)
			r.Get("/ping", handlers.Health.pingHandler)
		}

		// the gateway signs notifications instead of sending a bearer token
		if handlers.Webhook != nil {
			r.Post("/payments/notification", handlers.Webhook.HandleNotification)
		}

		r.Group(func(pr chi.Router) {
			pr.Use(middleware.Authenticate(tokens))

			if handlers.Payment != nil {
				pr.Route("/payments", func(p chi.Router) {
					p.With(middleware.RequireRole(internal.RoleStudent, internal.RoleAdmin)).
						Post("/", handlers.Payment.CreateTransaction)
					p.Get("/methods", handlers.Payment.GetMethods)
					p.Get("/eligibility", handlers.Payment.CheckEligibility)
					p.Get("/{ref}", handlers.Payment.GetPayment)
					p.Post("/{ref}/verify", handlers.Payment.VerifyPayment)

					p.Group(func(ar chi.Router) {
						ar.Use(middleware.RequireRole(internal.RoleAdmin))
						ar.Post("/{ref}/cancel", handlers.Payment.CancelPayment)
						ar.Post("/{ref}/expire", handlers.Payment.ExpirePayment)
						ar.Post("/{ref}/refund", handlers.Payment.RefundPayment)
					})
				})

				pr.With(middleware.RequireRole(internal.RoleAdmin)).
					Get("/admin/payments/stats", handlers.Payment.GetStats)
			}

			if handlers.Enrollment != nil {
				pr.Route("/enrollments", func(er chi.Router) {
					er.Post("/", handlers.Enrollment.Enroll)
					er.Get("/{id}", handlers.Enrollment.GetEnrollment)
					er.Patch("/{id}/progress", handlers.Enrollment.UpdateProgress)
				})
			}
		})
	})
}
