package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	"github.com/frahmantamala/lms-backend/pkg/logger"
)

// TokenValidator is satisfied by auth.JWTTokenGenerator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Authenticate requires a valid bearer token and stores the principal on the
// request context.
func Authenticate(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeAppError(w, internal.NewUnauthorizedError("missing bearer token", internal.ErrCodeInvalidToken))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				message := "invalid token"
				if errors.Is(err, auth.ErrTokenExpired) {
					message = "token expired"
				}
				logger.From(r.Context()).Warn("authentication failed", "error", err)
				writeAppError(w, internal.NewUnauthorizedError(message, internal.ErrCodeInvalidToken))
				return
			}

			user := auth.UserFromClaims(claims)
			ctx := auth.ContextWithUser(r.Context(), user)
			ctx = logger.With(ctx, "userID", user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
