// Package middleware authenticates requests with bearer tokens.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go-dm/internal/domain"
	"go-dm/internal/httpx"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what the middleware needs from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (userID string, username string, err error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects unauthenticated requests before they reach any handler and
// injects the caller identity into the request context.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		// Authorization: Bearer <token>
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				tokenString = strings.TrimSpace(parts[1])
			}
		}

		// Browsers cannot set headers on a websocket upgrade.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			httpx.JSON(w, http.StatusUnauthorized, httpx.ErrorResponse{Error: "missing authentication token"})
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil || userID == "" {
			httpx.JSON(w, http.StatusUnauthorized, httpx.ErrorResponse{Error: domain.ErrInvalidCredentials.Error()})
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated caller, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}

func Username(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}
