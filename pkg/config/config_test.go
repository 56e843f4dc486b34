package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("API_PORT", "9443")
	t.Setenv("TSA_MODE", "gateway")
	t.Setenv("TSA_URL", "https://tsa.internal/stamp")
	t.Setenv("TSA_TIMEOUT", "3s")
	t.Setenv("SEAL_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.APIPort)
	assert.Equal(t, TSAModeGateway, cfg.TSA.Mode)
	assert.Equal(t, "https://tsa.internal/stamp", cfg.TSA.URL)
	assert.Equal(t, 3*time.Second, cfg.TSA.Timeout)
	assert.Equal(t, 4, cfg.Seal.MaxAttempts)
}

func TestLoadYAMLOverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
store_type: memory
env: development
jwt_secret: yaml-secret-that-is-long-enough-000
tsa:
  mode: static
archive:
  backend: file
  dir: /tmp/bundles
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ARCHIVE_DIR", "/srv/bundles")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreTypeMemory, cfg.StoreType)
	assert.Equal(t, TSAModeStatic, cfg.TSA.Mode)
	assert.Equal(t, "yaml-secret-that-is-long-enough-000", cfg.JWTSecret)
	assert.Equal(t, ArchiveFile, cfg.Archive.Backend)
	assert.Equal(t, "/srv/bundles", cfg.Archive.Dir)
	assert.True(t, cfg.IsDevelopment())
}

func TestValidateRejectsStaticTSAOutsideDevelopment(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.TSA.Mode = TSAModeStatic

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development")
}

func TestValidateArchiveBackends(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"

	cfg.Archive.Backend = ArchiveS3
	cfg.Archive.Bucket = ""
	assert.Error(t, cfg.Validate())

	cfg.Archive.Bucket = "evidence"
	assert.NoError(t, cfg.Validate())

	cfg.Archive.Backend = "tape"
	assert.Error(t, cfg.Validate())
}

func TestLoadWithDefaultsIsUsableForDevelopment(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_TYPE", "")
	t.Setenv("TSA_MODE", "")
	t.Setenv("APP_ENV", "")

	cfg := LoadWithDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}
