package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/envelope"
	"github.com/sealvault/evidence-plane/internal/evidence"
	"github.com/sealvault/evidence-plane/internal/seal"
	"github.com/sealvault/evidence-plane/internal/store"
)

// **Feature: evidence-plane, Property 13: Error Envelope**
// *For any* API error, the body carries the message under "error", the code
// under "code", and the HTTP status agrees with the code.
func TestPropertyErrorEnvelope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genErrorCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
		CodeUpstreamError,
		CodeRateLimited,
	)
	genMessage := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })
	genRequestID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}")

	properties.Property("body carries error and code", prop.ForAll(
		func(code, message, requestID string) bool {
			rr := httptest.NewRecorder()
			WriteError(rr, New(code, message).WithRequestID(requestID))

			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				return false
			}
			_, hasDetails := body["details"]
			return body["error"] == message &&
				body["code"] == code &&
				body["request_id"] == requestID &&
				!hasDetails &&
				rr.Code == New(code, message).HTTPStatusCode() &&
				rr.Header().Get("Content-Type") == "application/json"
		},
		genErrorCode,
		genMessage,
		genRequestID,
	))

	properties.TestingRun(t)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"missing secret id", seal.ErrMissingSecretID, http.StatusBadRequest, seal.ErrMissingSecretID.Error()},
		{"missing content", seal.ErrMissingContent, http.StatusBadRequest, seal.ErrMissingContent.Error()},
		{"bad recipient", fmt.Errorf("%w: bogus", envelope.ErrInvalidKey), http.StatusBadRequest, "invalid key format: bogus"},
		{"secret not found", seal.ErrSecretNotFound, http.StatusNotFound, "secret not found"},
		{"export not found", evidence.ErrSecretNotFound, http.StatusNotFound, "secret not found"},
		{"version not found", seal.ErrVersionNotFound, http.StatusNotFound, "version not found"},
		{"weak role", auth.ErrPermissionDenied, http.StatusForbidden, "insufficient permissions"},
		{"not a member", auth.ErrNotMember, http.StatusForbidden, "access denied"},
		{"exhausted retries", fmt.Errorf("sealing: %w", store.ErrVersionConflict), http.StatusConflict, ""},
		{"tsa down", fmt.Errorf("%w: dial tcp: refused", seal.ErrTimestamp), http.StatusInternalServerError, "timestamp authority failure"},
		{"storage", errors.New("pq: connection reset"), http.StatusInternalServerError, "an unexpected error occurred"},
		{"passthrough", NewUnauthorizedError("Token has expired"), http.StatusUnauthorized, "Token has expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.status, apiErr.HTTPStatusCode())
			if tt.msg != "" {
				assert.Equal(t, tt.msg, apiErr.Message)
			}
		})
	}
}

func TestFromErrorHidesInternals(t *testing.T) {
	apiErr := FromError(errors.New("password=hunter2 in dsn"))
	assert.NotContains(t, apiErr.Message, "hunter2")
	assert.Empty(t, apiErr.Details)

	withStack := apiErr.WithDetails(GetStackTrace())
	assert.Contains(t, withStack.Details, "goroutine")
	assert.Empty(t, apiErr.Details, "WithDetails must copy")
}
