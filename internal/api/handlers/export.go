package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sealvault/evidence-plane/internal/evidence"
)

// ExportHandler handles GET /secrets/{id}/export-evidence.
type ExportHandler struct {
	responder
	exporter *evidence.Exporter
}

// NewExportHandler creates a new export handler.
func NewExportHandler(exp *evidence.Exporter, logger *slog.Logger, development bool) *ExportHandler {
	return &ExportHandler{responder: newResponder(logger, development), exporter: exp}
}

// Export streams a complete evidence bundle. The bundle is fully built before
// the first header is written, so a failure never yields a truncated archive.
// ?recipient=age1... (repeatable or comma separated) encrypts the bundle.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	recipients := ""
	for _, v := range r.URL.Query()["recipient"] {
		if recipients != "" {
			recipients += ","
		}
		recipients += v
	}

	bundle, err := h.exporter.Export(r.Context(), evidence.ExportRequest{
		SecretID:   chi.URLParam(r, "id"),
		ActorID:    a.UserID,
		IPAddress:  a.IPAddress,
		UserAgent:  a.UserAgent,
		Recipients: recipients,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", bundle.ContentType)
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.Filename))
	hdr.Set("Content-Length", strconv.Itoa(len(bundle.Data)))
	hdr.Set("X-Evidence-SHA256", bundle.SHA256)
	hdr.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(bundle.Data); err != nil {
		h.logger.Warn("client went away during export", "error", err, "secret_id", chi.URLParam(r, "id"))
	}
}
