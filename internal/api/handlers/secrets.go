package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sealvault/evidence-plane/internal/api/middleware"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/seal"
	"github.com/sealvault/evidence-plane/internal/store"
)

// SecretHandler handles secret, version and audit trail requests.
type SecretHandler struct {
	responder
	service *seal.Service
}

// NewSecretHandler creates a new secret handler.
func NewSecretHandler(svc *seal.Service, logger *slog.Logger, development bool) *SecretHandler {
	return &SecretHandler{responder: newResponder(logger, development), service: svc}
}

// CreateSecretRequest represents the request body for creating a secret.
type CreateSecretRequest struct {
	OrgID          string `json:"orgId"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Classification string `json:"classification"`
}

// Create handles POST /secrets - creates a draft secret.
func (h *SecretHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.OrgID) == "" {
		h.badRequest(w, r, "orgId is required")
		return
	}

	secret, err := h.service.CreateSecret(r.Context(), actor(r), seal.CreateSecretRequest{
		OrgID:          req.OrgID,
		Title:          req.Title,
		Description:    req.Description,
		Classification: models.Classification(req.Classification),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, secret)
}

// Get handles GET /secrets/{id}.
func (h *SecretHandler) Get(w http.ResponseWriter, r *http.Request) {
	secret, _, err := h.service.Readable(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, secret)
}

// List handles GET /orgs/{orgID}/secrets.
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.service.ListSecrets(r.Context(), chi.URLParam(r, "orgID"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if secrets == nil {
		secrets = []*models.Secret{}
	}
	WriteJSON(w, http.StatusOK, secrets)
}

// Versions handles GET /secrets/{id}/versions.
func (h *SecretHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.ListVersions(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.VersionSummary{}
	}
	WriteJSON(w, http.StatusOK, versions)
}

// Version handles GET /secrets/{id}/versions/{number}. Reading a version's
// content is recorded in the audit trail.
func (h *SecretHandler) Version(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		h.badRequest(w, r, "version number must be a positive integer")
		return
	}
	v, err := h.service.GetVersion(r.Context(), chi.URLParam(r, "id"), number, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// Audit handles GET /secrets/{id}/audit?action=seal&action=export&limit=100.
func (h *SecretHandler) Audit(w http.ResponseWriter, r *http.Request) {
	var filter store.AuditFilter
	q := r.URL.Query()
	for _, raw := range q["action"] {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, models.AuditAction(a))
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.badRequest(w, r, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.service.AuditTrail(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

// Verify handles POST /secrets/{id}/verify - re-canonicalizes every stored
// version and reports whether the recorded digests still match.
func (h *SecretHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
