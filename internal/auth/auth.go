package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/lms-backend/internal"
)

// User is the authenticated principal carried on the request context.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (u *User) IsAdmin() bool {
	return u.Role == internal.RoleAdmin
}

// CanAccess reports whether the user may act on a resource owned by ownerID.
func (u *User) CanAccess(ownerID string) bool {
	return u.IsAdmin() || u.ID == ownerID
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type userCtxKey struct{}

func ContextWithUser(ctx context.Context, user *User) context.Context {
	ctx = context.WithValue(ctx, userCtxKey{}, user)
	return internal.ContextWithPrincipal(ctx, user.ID, user.Role)
}

func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userCtxKey{}).(*User)
	return user, ok && user != nil
}
