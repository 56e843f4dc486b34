package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/sealvault/evidence-plane/internal/api/errors"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

// MembershipKey is the context key for the caller's membership in the
// organization named by the {orgID} URL parameter.
const MembershipKey contextKey = "membership"

// OrgMember returns a middleware that resolves {orgID} and rejects callers
// that are not members of it. Role checks are left to the services.
func OrgMember(orgs store.OrgStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r.Context())
			if userID == "" {
				writeError(w, r, apierrors.NewUnauthorizedError("authentication required"))
				return
			}

			orgID := chi.URLParam(r, "orgID")
			if _, err := orgs.Get(r.Context(), orgID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, r, apierrors.NewNotFoundError("organization not found"))
					return
				}
				logger.Error("failed to load organization", "error", err, "org_id", orgID)
				writeError(w, r, apierrors.NewInternalError("failed to load organization"))
				return
			}

			m, err := orgs.GetMembership(r.Context(), orgID, userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					logger.Debug("user not member of organization", "user_id", userID, "org_id", orgID)
					writeError(w, r, apierrors.NewForbiddenError("not a member of this organization"))
					return
				}
				logger.Error("failed to check org membership", "error", err, "org_id", orgID, "user_id", userID)
				writeError(w, r, apierrors.NewInternalError("failed to verify organization membership"))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), MembershipKey, m)))
		})
	}
}

// GetMembership extracts the membership set by OrgMember.
func GetMembership(ctx context.Context) *models.OrgMembership {
	if v, ok := ctx.Value(MembershipKey).(*models.OrgMembership); ok {
		return v
	}
	return nil
}
