package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/sealvault/evidence-plane/internal/api/errors"
)

// Recovery returns a middleware that recovers from panics and logs the error.
// In development the panic value and stack are echoed in the details field.
func Recovery(logger *slog.Logger, development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := middleware.GetReqID(r.Context())
				stack := string(debug.Stack())

				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "panic recovered")
				entry.StackTrace = stack
				logger.Error("panic recovered", append(entry.ToSlogAttrs(),
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path,
				)...)

				apiErr := apierrors.NewInternalError("an unexpected error occurred")
				if development {
					apiErr = apiErr.WithDetails(fmt.Sprintf("%v\n\n%s", rec, stack))
				}
				apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, err, middleware.GetReqID(r.Context()))
}
