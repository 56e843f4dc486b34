package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinger(ok bool) Pinger {
	return PingFunc(func(context.Context) error {
		if ok {
			return nil
		}
		return errors.New("connection refused")
	})
}

// **Feature: evidence-plane, Property 14: Health Aggregation**
// *For any* combination of database and cache health, the service is
// unhealthy iff the database is down, and degraded iff only the cache is.
func TestPropertyHealthAggregation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("overall status follows critical components", prop.ForAll(
		func(dbOK, cacheOK bool) bool {
			c := NewChecker(pinger(dbOK), "test")
			c.Register("redis", pinger(cacheOK), false)
			resp := c.Check(context.Background())

			switch {
			case !dbOK:
				return resp.Status == StatusUnhealthy
			case !cacheOK:
				return resp.Status == StatusDegraded && resp.Components["redis"].Status == StatusDegraded
			default:
				return resp.Status == StatusHealthy && len(resp.Components) == 2
			}
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		status int
	}{
		{"healthy", pinger(true), http.StatusOK},
		{"db down", pinger(false), http.StatusServiceUnavailable},
		{"not configured", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewChecker(tt.db, "v1.2.3").Handler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.status, rr.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, "v1.2.3", resp.Version)
			assert.Contains(t, resp.Components, "database")
		})
	}
}

func TestCheckRespectsTimeout(t *testing.T) {
	slow := PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := NewChecker(slow, "test")
	c.SetTimeout(20 * time.Millisecond)

	resp := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Components["database"].Message, "deadline exceeded")
}
