package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSeal(OutcomeSuccess, time.Second)
	m.ObserveConflict()
	m.ObserveTSA("tsa", time.Second, nil)
	m.ObserveExport(nil, 10)
	m.ObserveArchive("file", nil)
	m.ObserveRateLimited()
	m.ObserveHTTP("/", "GET", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersRecord(t *testing.T) {
	m := New()

	m.ObserveSeal(OutcomeSuccess, time.Second)
	m.ObserveSeal(OutcomeTSAError, 0)
	m.ObserveConflict()
	m.ObserveTSA("primary", 10*time.Millisecond, errors.New("down"))
	m.ObserveExport(nil, 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SealsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SealsTotal.WithLabelValues(OutcomeTSAError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VersionConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TSARequestsTotal.WithLabelValues("primary", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExportsTotal.WithLabelValues("ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP("/secrets/seal", http.MethodPost, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "evidence_plane_http_requests_total"))
}
