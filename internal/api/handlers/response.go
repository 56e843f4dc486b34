// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/sealvault/evidence-plane/internal/api/errors"
	"github.com/sealvault/evidence-plane/internal/api/middleware"
	"github.com/sealvault/evidence-plane/internal/seal"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

// maxBodyBytes caps request bodies; sealed content is markdown plus a file
// manifest, never the files themselves.
const maxBodyBytes = 8 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// responder turns errors into API responses. It is embedded by every handler.
type responder struct {
	logger      *slog.Logger
	development bool
}

func newResponder(logger *slog.Logger, development bool) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger, development: development}
}

// fail maps err to an API error and writes it. Server-side failures are
// logged; their cause is only echoed in development.
func (h responder) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromError(err)
	requestID := chimiddleware.GetReqID(r.Context())
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"error", err,
			"error_code", apiErr.Code,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if h.development {
			apiErr = apiErr.WithDetails(fmt.Sprintf("%v\n\n%s", err, apierrors.GetStackTrace()))
		}
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// badRequest writes a 400 with message.
func (h responder) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), chimiddleware.GetReqID(r.Context()))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid request body")
	}
	return nil
}

// actor builds the audit identity of the caller. RealIP middleware has
// already resolved RemoteAddr.
func actor(r *http.Request) seal.Actor {
	return seal.Actor{
		UserID:    middleware.GetUserID(r.Context()),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
