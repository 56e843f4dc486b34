package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sealvault/evidence-plane/internal/models"
)

// SecretStore implements store.SecretStore using PostgreSQL.
type SecretStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *SecretStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const secretColumns = `id, org_id, title, description, classification, status,
		current_version_id, created_by, created_at, updated_at`

// Create inserts a new draft secret.
func (s *SecretStore) Create(ctx context.Context, secret *models.Secret) error {
	if secret.Status == "" {
		secret.Status = models.SecretStatusDraft
	}
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("validating secret: %w", err)
	}
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}
	secret.UpdatedAt = now

	query := `
		INSERT INTO secrets (` + secretColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.conn().ExecContext(ctx, query,
		secret.ID,
		secret.OrgID,
		secret.Title,
		secret.Description,
		string(secret.Classification),
		string(secret.Status),
		secret.CurrentVersionID,
		secret.CreatedBy,
		secret.CreatedAt,
		secret.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting secret: %w", err)
	}

	return nil
}

// Get retrieves a secret by ID.
func (s *SecretStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE id = $1`

	secret, err := scanSecret(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying secret: %w", err)
	}

	return secret, nil
}

// ListByOrg retrieves all secrets of an organization, newest first.
func (s *SecretStore) ListByOrg(ctx context.Context, orgID string) ([]*models.Secret, error) {
	query := `
		SELECT ` + secretColumns + `
		FROM secrets
		WHERE org_id = $1
		ORDER BY created_at DESC, id`

	rows, err := s.conn().QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*models.Secret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning secret: %w", err)
		}
		secrets = append(secrets, secret)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating secrets: %w", err)
	}

	return secrets, nil
}

// MarkSealed moves the secret to sealed and points it at versionID. The
// composite foreign key rejects a version that belongs to another secret.
func (s *SecretStore) MarkSealed(ctx context.Context, secretID, versionID string, at time.Time) error {
	query := `
		UPDATE secrets
		SET status = 'sealed', current_version_id = $2, updated_at = $3
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, secretID, versionID, at.UTC())
	if err != nil {
		return fmt.Errorf("updating secret pointer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (*models.Secret, error) {
	secret := &models.Secret{}
	var classification, status string
	var current sql.NullString
	err := row.Scan(
		&secret.ID,
		&secret.OrgID,
		&secret.Title,
		&secret.Description,
		&classification,
		&status,
		&current,
		&secret.CreatedBy,
		&secret.CreatedAt,
		&secret.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	secret.Classification = models.Classification(classification)
	secret.Status = models.SecretStatus(status)
	if current.Valid {
		secret.CurrentVersionID = &current.String
	}
	return secret, nil
}
