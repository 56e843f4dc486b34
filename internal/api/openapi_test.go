package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sealvault/evidence-plane/internal/api/handlers"
)

type openAPIDoc struct {
	OpenAPI string                          `yaml:"openapi"`
	Paths   map[string]map[string]operation `yaml:"paths"`
}

type operation struct {
	Summary   string                    `yaml:"summary"`
	Security  *[]map[string][]string    `yaml:"security"`
	Responses map[string]map[string]any `yaml:"responses"`
}

func loadOpenAPI(t *testing.T) *openAPIDoc {
	t.Helper()
	data, err := handlers.OpenAPISpec()
	require.NoError(t, err)
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return &doc
}

// Every route the router serves is documented, and every documented
// operation is served.
func TestOpenAPIMatchesRouter(t *testing.T) {
	doc := loadOpenAPI(t)
	s := newTestServer(t, "production")

	served := map[string]bool{}
	err := chi.Walk(s.srv.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route != "/" {
			route = strings.TrimSuffix(route, "/")
		}
		if route == "/openapi.yaml" {
			return nil
		}
		key := strings.ToLower(method) + " " + route
		served[key] = true
		_, ok := doc.Paths[route][strings.ToLower(method)]
		assert.True(t, ok, "%s is served but not documented", key)
		return nil
	})
	require.NoError(t, err)

	for path, ops := range doc.Paths {
		for method := range ops {
			assert.True(t, served[method+" "+path], "%s %s is documented but not served", method, path)
		}
	}
}

func TestOpenAPIOperationsAreComplete(t *testing.T) {
	doc := loadOpenAPI(t)
	assert.True(t, strings.HasPrefix(doc.OpenAPI, "3."))

	for path, ops := range doc.Paths {
		for method, op := range ops {
			name := method + " " + path
			assert.NotEmpty(t, op.Summary, "%s has no summary", name)

			hasSuccess := false
			for code := range op.Responses {
				if strings.HasPrefix(code, "2") {
					hasSuccess = true
				}
			}
			assert.True(t, hasSuccess, "%s documents no success response", name)

			public := op.Security != nil && len(*op.Security) == 0
			assert.Equal(t, path == "/health" || path == "/metrics", public, "%s security", name)
		}
	}
}
