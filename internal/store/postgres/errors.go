package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sealvault/evidence-plane/internal/store"
)

// Common store errors, re-exported so callers of this package can match them
// without importing store.
var (
	ErrNotFound        = store.ErrNotFound
	ErrDuplicateKey    = store.ErrDuplicateKey
	ErrVersionConflict = store.ErrVersionConflict
)

// versionNumberConstraint is the unique constraint on (secret_id, version_number).
const versionNumberConstraint = "secret_versions_secret_number_key"

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}

// isForeignKeyViolation reports a PostgreSQL foreign key violation (23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// violatedConstraint returns the constraint named by a PostgreSQL error.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// mapVersionInsertError turns a unique violation on secret_versions into the
// matching store error.
func mapVersionInsertError(err error) error {
	name := violatedConstraint(err)
	if name == versionNumberConstraint || (name == "" && strings.Contains(err.Error(), versionNumberConstraint)) {
		return ErrVersionConflict
	}
	return ErrDuplicateKey
}
