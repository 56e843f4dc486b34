package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sealvault/evidence-plane/internal/api/middleware"
	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

// OrgHandler handles organization-related HTTP requests.
type OrgHandler struct {
	responder
	store store.Store
	rbac  *auth.RBACService
}

// NewOrgHandler creates a new organization handler.
func NewOrgHandler(st store.Store, logger *slog.Logger, development bool) *OrgHandler {
	return &OrgHandler{
		responder: newResponder(logger, development),
		store:     st,
		rbac:      auth.NewRBACService(st.Orgs(), logger),
	}
}

// CreateOrgRequest represents the request body for creating an organization.
type CreateOrgRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Create handles POST /orgs - creates an organization owned by the caller.
func (h *OrgHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.badRequest(w, r, "name is required")
		return
	}

	org := &models.Organization{Name: strings.TrimSpace(req.Name), Slug: req.Slug}
	if org.Slug == "" {
		org.Slug = models.GenerateSlug(org.Name)
	}
	if err := org.Validate(); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	err := h.store.WithTx(r.Context(), func(tx store.Store) error {
		if err := tx.Orgs().Create(r.Context(), org); err != nil {
			return err
		}
		return tx.Orgs().AddMember(r.Context(), org.ID, userID, models.RoleOwner)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, org)
}

// List handles GET /orgs - lists the caller's organizations.
func (h *OrgHandler) List(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.Orgs().ListForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []*models.Organization{}
	}
	WriteJSON(w, http.StatusOK, orgs)
}

// AddMemberRequest is the body of PUT /orgs/{orgID}/members.
type AddMemberRequest struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

// AddMember handles PUT /orgs/{orgID}/members - grants or changes a role.
func (h *OrgHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req AddMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.badRequest(w, r, "userId is required")
		return
	}
	if !req.Role.Valid() {
		h.badRequest(w, r, "role must be one of owner, admin, editor, viewer")
		return
	}

	caller, err := h.rbac.Authorize(r.Context(), orgID, middleware.GetUserID(r.Context()), auth.PermissionManageMembers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Role == models.RoleOwner && caller.Role != models.RoleOwner {
		h.fail(w, r, auth.ErrPermissionDenied)
		return
	}

	if err := h.store.Orgs().AddMember(r.Context(), orgID, req.UserID, req.Role); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.store.Orgs().GetMembership(r.Context(), orgID, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}
