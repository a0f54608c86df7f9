package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/frahmantamala/lms-backend/pkg/logger"
)

const maxRequestIDLength = 128

// RequestID takes the caller's X-Request-Id or mints one. The id is stored
// where chi's GetReqID finds it, echoed in the response, and attached to a
// request-scoped logger that downstream code reads with logger.FromOr.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(chiMiddleware.RequestIDHeader))
			if id == "" || len(id) > maxRequestIDLength {
				id = uuid.NewString()
			}

			ctx := context.WithValue(r.Context(), chiMiddleware.RequestIDKey, id)
			ctx = logger.NewContext(ctx, base.With("request_id", id))

			w.Header().Set(chiMiddleware.RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
