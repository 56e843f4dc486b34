// Package archive keeps retention copies of exported evidence bundles.
//
// Objects are write-once: a key that already exists is left untouched, so a
// retained bundle can never be replaced by a later export.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Backend names.
const (
	BackendFile = "file"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("archive object not found")
	// ErrInvalidKey is returned for keys that could escape the archive root.
	ErrInvalidKey = errors.New("invalid archive key")
)

// Store persists bundles under keys.
type Store interface {
	// Put writes data under key unless the key already exists. It returns
	// the object's location (path or URL).
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Backend names the storage backend, for logs and metrics.
	Backend() string
}

// Config selects and configures a backend.
type Config struct {
	Backend  string
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New creates the configured store. An empty or "none" backend returns a nil
// Store and no error.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case BackendFile:
		return NewFileStore(cfg.Dir)
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}

var keyPart = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Key builds the retention key of a bundle: <secret id>/<sha256><ext>.
func Key(secretID, sha256Hex, ext string) string {
	return secretID + "/" + sha256Hex + ext
}

// validateKey accepts slash separated keys made of safe segments.
func validateKey(key string) error {
	if key == "" || path.Clean(key) != key || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if !keyPart.MatchString(part) || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
