// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sealvault/evidence-plane/internal/metrics"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

// requestFields collects identifiers resolved by inner middleware so the
// completion line can report them.
type requestFields struct {
	actorID  string
	secretID string
}

type requestFieldsKey struct{}

func fieldsFrom(ctx context.Context) *requestFields {
	f, _ := ctx.Value(requestFieldsKey{}).(*requestFields)
	return f
}

// RequestLogger returns a middleware that logs HTTP requests. It puts the
// request ID into the context for downstream loggers.
func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			fields := &requestFields{}
			ctx := logger.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ctx = context.WithValue(ctx, requestFieldsKey{}, fields)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"remote_addr", r.RemoteAddr,
				}
				if fields.actorID != "" {
					attrs = append(attrs, "actor_id", fields.actorID)
				}
				if fields.secretID != "" {
					attrs = append(attrs, "secret_id", fields.secretID)
				}
				logger.FromContext(ctx, l).Info("request completed", attrs...)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// SecretScope tags the context with the {id} route parameter.
func SecretScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if f := fieldsFrom(r.Context()); f != nil {
			f.secretID = id
		}
		next.ServeHTTP(w, r.WithContext(logger.ContextWithSecretID(r.Context(), id)))
	})
}

// Instrument records request counts and latencies per route pattern. The
// pattern is used instead of the raw path so secret IDs do not explode the
// label space.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(route, r.Method, status, time.Since(start))
		})
	}
}
