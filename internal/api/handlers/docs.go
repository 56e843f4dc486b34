package handlers

import (
	"embed"
	"log/slog"
	"net/http"
)

//go:embed docs/openapi.yaml
var docsFS embed.FS

// DocsHandler serves the OpenAPI description of the API.
type DocsHandler struct {
	logger *slog.Logger
}

// NewDocsHandler creates a new docs handler.
func NewDocsHandler(logger *slog.Logger) *DocsHandler {
	return &DocsHandler{logger: logger}
}

// OpenAPISpec returns the embedded OpenAPI document.
func OpenAPISpec() ([]byte, error) {
	return docsFS.ReadFile("docs/openapi.yaml")
}

// ServeOpenAPISpec serves GET /openapi.yaml.
func (h *DocsHandler) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	data, err := OpenAPISpec()
	if err != nil {
		h.logger.Error("failed to read OpenAPI spec", "error", err)
		http.Error(w, "OpenAPI specification not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}
