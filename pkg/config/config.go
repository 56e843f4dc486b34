// Package config provides environment-based configuration for the evidence plane.
//
// Values are resolved in three layers: built-in defaults, an optional YAML file
// named by CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreTypePostgres = "postgres"
	StoreTypeMemory   = "memory"
)

// Timestamp authority modes.
const (
	TSAModeRFC3161 = "rfc3161"
	TSAModeGateway = "gateway"
	TSAModeStatic  = "static"
)

// Archive backends for evidence bundle retention.
const (
	ArchiveNone = "none"
	ArchiveFile = "file"
	ArchiveS3   = "s3"
	ArchiveGCS  = "gcs"
)

// Config holds all configuration for the evidence plane.
type Config struct {
	// Environment name; "development" enables stack traces in error responses.
	Env string `yaml:"env"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Database configuration
	StoreType   string `yaml:"store_type"`
	DatabaseDSN string `yaml:"database_url"`
	// AutoMigrate applies the schema on startup.
	AutoMigrate bool `yaml:"auto_migrate"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Server configuration
	APIHost         string        `yaml:"api_host"`
	APIPort         int           `yaml:"api_port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Seal      SealConfig      `yaml:"seal"`
	TSA       TSAConfig       `yaml:"tsa"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Export    ExportConfig    `yaml:"export"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SealConfig holds sealing pipeline configuration.
type SealConfig struct {
	// MaxAttempts bounds how often a seal is attempted when two sealers race
	// for the same version number. 2 means one retry.
	MaxAttempts int `yaml:"max_attempts"`
}

// TSAConfig holds timestamp authority configuration.
type TSAConfig struct {
	Mode     string        `yaml:"mode"`
	URL      string        `yaml:"url"`
	Name     string        `yaml:"name"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Policy   string        `yaml:"policy_oid"`
	Timeout  time.Duration `yaml:"timeout"`

	// QualifiedURL is an optional secondary (eIDAS qualified) RFC 3161 authority.
	QualifiedURL  string `yaml:"qualified_url"`
	QualifiedName string `yaml:"qualified_name"`
}

// ArchiveConfig holds retention storage configuration for evidence bundles.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// ExportConfig holds evidence export configuration.
type ExportConfig struct {
	// AgeRecipients are age1... keys added to every encrypted bundle.
	AgeRecipients string `yaml:"age_recipients"`
	// EncryptArchive stores retention copies encrypted for AgeRecipients.
	EncryptArchive bool `yaml:"encrypt_archive"`
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	Enabled        bool   `yaml:"enabled"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Env:             "production",
		LogLevel:        "info",
		LogJSON:         true,
		StoreType:       StoreTypePostgres,
		DatabaseDSN:     "postgres://localhost:5432/evidence?sslmode=disable",
		AutoMigrate:     true,
		JWTExpiry:       24 * time.Hour,
		APIHost:         "0.0.0.0",
		APIPort:         8080,
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Seal: SealConfig{
			MaxAttempts: 2,
		},
		TSA: TSAConfig{
			Mode:    TSAModeRFC3161,
			URL:     "https://freetsa.org/tsr",
			Name:    "freetsa.org",
			Timeout: 15 * time.Second,
		},
		Archive: ArchiveConfig{
			Backend: ArchiveNone,
			Dir:     "/var/lib/evidence/bundles",
			Prefix:  "evidence/",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 120,
		},
	}
}

// Load reads configuration from the optional YAML file and environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	cfg := Defaults()
	cfg.Env = "development"
	cfg.StoreType = StoreTypeMemory
	cfg.JWTSecret = "development-secret-key-min-32-chars"
	cfg.TSA.Mode = TSAModeStatic
	cfg.loadFromEnv()
	return cfg
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getBoolEnv("LOG_JSON", c.LogJSON)

	c.StoreType = getEnv("STORE_TYPE", c.StoreType)
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.AutoMigrate = getBoolEnv("AUTO_MIGRATE", c.AutoMigrate)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("JWT_EXPIRY", c.JWTExpiry)

	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Seal.MaxAttempts = getIntEnv("SEAL_MAX_ATTEMPTS", c.Seal.MaxAttempts)

	c.TSA.Mode = getEnv("TSA_MODE", c.TSA.Mode)
	c.TSA.URL = getEnv("TSA_URL", c.TSA.URL)
	c.TSA.Name = getEnv("TSA_NAME", c.TSA.Name)
	c.TSA.Username = getEnv("TSA_USERNAME", c.TSA.Username)
	c.TSA.Password = getEnv("TSA_PASSWORD", c.TSA.Password)
	c.TSA.Policy = getEnv("TSA_POLICY_OID", c.TSA.Policy)
	c.TSA.Timeout = getDurationEnv("TSA_TIMEOUT", c.TSA.Timeout)
	c.TSA.QualifiedURL = getEnv("TSA_QUALIFIED_URL", c.TSA.QualifiedURL)
	c.TSA.QualifiedName = getEnv("TSA_QUALIFIED_NAME", c.TSA.QualifiedName)

	c.Archive.Backend = getEnv("ARCHIVE_BACKEND", c.Archive.Backend)
	c.Archive.Dir = getEnv("ARCHIVE_DIR", c.Archive.Dir)
	c.Archive.Bucket = getEnv("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("ARCHIVE_REGION", c.Archive.Region)
	c.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.Prefix = getEnv("ARCHIVE_PREFIX", c.Archive.Prefix)

	c.Export.AgeRecipients = getEnv("EXPORT_AGE_RECIPIENTS", c.Export.AgeRecipients)
	c.Export.EncryptArchive = getBoolEnv("EXPORT_ENCRYPT_ARCHIVE", c.Export.EncryptArchive)

	c.RateLimit.Enabled = getBoolEnv("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerMin = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerMin)
	c.RateLimit.RedisAddr = getEnv("REDIS_ADDR", c.RateLimit.RedisAddr)
	c.RateLimit.RedisPassword = getEnv("REDIS_PASSWORD", c.RateLimit.RedisPassword)
	c.RateLimit.RedisDB = getIntEnv("REDIS_DB", c.RateLimit.RedisDB)
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	switch c.StoreType {
	case StoreTypePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreTypeMemory:
	default:
		return fmt.Errorf("invalid store type: %s (must be 'postgres' or 'memory')", c.StoreType)
	}
	switch c.TSA.Mode {
	case TSAModeRFC3161, TSAModeGateway:
		if c.TSA.URL == "" {
			return fmt.Errorf("TSA_URL is required for tsa mode %q", c.TSA.Mode)
		}
	case TSAModeStatic:
		if !c.IsDevelopment() {
			return fmt.Errorf("tsa mode %q is only allowed in development", TSAModeStatic)
		}
	default:
		return fmt.Errorf("invalid tsa mode: %s", c.TSA.Mode)
	}
	if c.TSA.Timeout <= 0 {
		return fmt.Errorf("TSA_TIMEOUT must be positive")
	}
	if c.Seal.MaxAttempts < 1 {
		return fmt.Errorf("SEAL_MAX_ATTEMPTS must be at least 1")
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveFile:
		if c.Archive.Dir == "" {
			return fmt.Errorf("ARCHIVE_DIR is required for the file archive")
		}
	case ArchiveS3, ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required for the %s archive", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("invalid archive backend: %s", c.Archive.Backend)
	}
	if c.Export.EncryptArchive && strings.TrimSpace(c.Export.AgeRecipients) == "" {
		return fmt.Errorf("EXPORT_AGE_RECIPIENTS is required when EXPORT_ENCRYPT_ARCHIVE is set")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
