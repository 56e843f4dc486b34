// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sealvault/evidence-plane/internal/models"
)

// Common store errors shared by every implementation.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when a unique key is already taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrVersionConflict is returned when another version already holds the
	// (secret, version number) pair being inserted.
	ErrVersionConflict = errors.New("version number already taken for secret")

	// ErrImmutable is returned on attempts to change append-only records.
	ErrImmutable = errors.New("record is append-only")
)

// OrgStore defines operations for organization (tenant) membership.
type OrgStore interface {
	// Create creates a new organization.
	Create(ctx context.Context, org *models.Organization) error
	// Get retrieves an organization by ID.
	Get(ctx context.Context, id string) (*models.Organization, error)
	// ListForUser retrieves all organizations a user belongs to.
	ListForUser(ctx context.Context, userID string) ([]*models.Organization, error)
	// AddMember adds a user to an organization with a role, replacing any
	// existing role.
	AddMember(ctx context.Context, orgID, userID string, role models.Role) error
	// GetMembership returns the user's membership or ErrNotFound.
	GetMembership(ctx context.Context, orgID, userID string) (*models.OrgMembership, error)
}

// SecretStore defines operations on secrets.
type SecretStore interface {
	// Create creates a new draft secret.
	Create(ctx context.Context, secret *models.Secret) error
	// Get retrieves a secret by ID.
	Get(ctx context.Context, id string) (*models.Secret, error)
	// ListByOrg retrieves all secrets of an organization, newest first.
	ListByOrg(ctx context.Context, orgID string) ([]*models.Secret, error)
	// MarkSealed sets status=sealed and points the secret at versionID, which
	// must be a version of the same secret.
	MarkSealed(ctx context.Context, secretID, versionID string, at time.Time) error
}

// VersionStore defines operations on the append-only version chain.
type VersionStore interface {
	// Create inserts a version. Returns ErrVersionConflict if the version
	// number is already taken for the secret.
	Create(ctx context.Context, version *models.Version) error
	// Get retrieves a version by ID.
	Get(ctx context.Context, id string) (*models.Version, error)
	// GetByNumber retrieves a version by secret and number.
	GetByNumber(ctx context.Context, secretID string, number int) (*models.Version, error)
	// List retrieves all versions of a secret ordered by version number.
	List(ctx context.Context, secretID string) ([]*models.Version, error)
	// MaxNumber returns the highest version number of a secret, or 0.
	MaxNumber(ctx context.Context, secretID string) (int, error)
}

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	// Actions restricts the listing to these actions. Empty means all.
	Actions []models.AuditAction
	// Limit caps the number of entries. Zero means no limit.
	Limit int
}

// AuditStore defines operations on the append-only audit trail.
type AuditStore interface {
	// Append adds an entry to the trail.
	Append(ctx context.Context, entry *models.AuditEntry) error
	// List retrieves a secret's trail ordered by creation time, then ID.
	List(ctx context.Context, secretID string, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Orgs returns the OrgStore for tenant operations.
	Orgs() OrgStore
	// Secrets returns the SecretStore.
	Secrets() SecretStore
	// Versions returns the VersionStore.
	Versions() VersionStore
	// Audit returns the AuditStore.
	Audit() AuditStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping checks connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
