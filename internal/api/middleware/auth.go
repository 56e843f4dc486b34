package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/sealvault/evidence-plane/internal/api/errors"
	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

// Context keys for user information.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// UserEmailKey is the context key for the authenticated user email.
	UserEmailKey contextKey = "user_email"
)

// GetUserID extracts the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserEmail extracts the user email from the request context.
func GetUserEmail(ctx context.Context) string {
	if v, ok := ctx.Value(UserEmailKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns ctx carrying an authenticated user.
func WithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserEmailKey, email)
}

// AuthMiddleware handles bearer token authentication.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		logger:      logger,
	}
}

// Authenticate is a middleware that validates JWT bearer tokens.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, apierrors.NewUnauthorizedError("missing authentication"))
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			m.logger.Debug("JWT validation failed", "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, r, apierrors.NewUnauthorizedError("token has expired"))
				return
			}
			writeError(w, r, apierrors.NewUnauthorizedError("invalid token"))
			return
		}

		if f := fieldsFrom(r.Context()); f != nil {
			f.actorID = claims.UserID
		}
		ctx := WithUser(r.Context(), claims.UserID, claims.Email)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithActorID(ctx, claims.UserID)))
	})
}

// CallerID returns the user named by a valid bearer token, or "".
func (m *AuthMiddleware) CallerID(r *http.Request) string {
	token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return ""
	}
	claims, err := m.authService.ValidateToken(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}
