package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/seal"
)

// SealHandler handles POST /secrets/seal.
type SealHandler struct {
	responder
	service *seal.Service
}

// NewSealHandler creates a new seal handler.
func NewSealHandler(svc *seal.Service, logger *slog.Logger, development bool) *SealHandler {
	return &SealHandler{responder: newResponder(logger, development), service: svc}
}

// SealRequest is the body of POST /secrets/seal.
type SealRequest struct {
	SecretID        string                `json:"secretId"`
	ContentMarkdown string                `json:"contentMarkdown"`
	ContentJSON     json.RawMessage       `json:"contentJson,omitempty"`
	Files           []canonical.FileEntry `json:"files,omitempty"`
}

// SealedVersion is the version part of a seal response.
type SealedVersion struct {
	ID            string `json:"id"`
	VersionNumber int    `json:"versionNumber"`
	Hash          string `json:"hash"`
	Timestamp     string `json:"timestamp"`
	TSA           string `json:"tsa"`
	SerialNumber  string `json:"serialNumber"`
}

// SealResponse is the success body of POST /secrets/seal.
type SealResponse struct {
	Success bool          `json:"success"`
	Version SealedVersion `json:"version"`
	Message string        `json:"message"`
}

// Seal handles POST /secrets/seal - seals the next version of a secret.
func (h *SealHandler) Seal(w http.ResponseWriter, r *http.Request) {
	var req SealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	a := actor(r)
	res, err := h.service.Seal(r.Context(), seal.Request{
		SecretID:        req.SecretID,
		ActorID:         a.UserID,
		ContentMarkdown: req.ContentMarkdown,
		ContentJSON:     req.ContentJSON,
		Files:           req.Files,
		IPAddress:       a.IPAddress,
		UserAgent:       a.UserAgent,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	v := res.Version
	WriteJSON(w, http.StatusOK, SealResponse{
		Success: true,
		Version: SealedVersion{
			ID:            v.ID,
			VersionNumber: v.VersionNumber,
			Hash:          v.SHA256,
			Timestamp:     v.TSATime.UTC().Format(time.RFC3339Nano),
			TSA:           v.TSAName,
			SerialNumber:  v.TSASerial,
		},
		Message: fmt.Sprintf("Version %d sealed and timestamped by %s", v.VersionNumber, v.TSAName),
	})
}
