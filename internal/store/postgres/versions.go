package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sealvault/evidence-plane/internal/models"
)

// VersionStore implements store.VersionStore using PostgreSQL. Rows are
// insert-only; the table carries a trigger that rejects updates.
type VersionStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *VersionStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const versionColumns = `id, secret_id, version_number, content_markdown, content_canonical_json,
		sha256_hash, tsa_name, tsa_policy_oid, tsa_serial, tsa_time, tsa_token, eidas_qts,
		signed_by, created_by, created_at`

// Create inserts a version. A concurrent insert of the same number for the
// same secret fails with ErrVersionConflict.
func (s *VersionStore) Create(ctx context.Context, v *models.Version) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	signers := v.SignedBy
	if signers == nil {
		signers = []models.Signer{}
	}
	signedBy, err := json.Marshal(signers)
	if err != nil {
		return fmt.Errorf("encoding signers: %w", err)
	}

	query := `
		INSERT INTO secret_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.conn().ExecContext(ctx, query,
		v.ID,
		v.SecretID,
		v.VersionNumber,
		v.ContentMarkdown,
		v.CanonicalJSON,
		v.SHA256,
		v.TSAName,
		v.TSAPolicyOID,
		v.TSASerial,
		v.TSATime.UTC(),
		v.TSAToken,
		v.EIDASQTS,
		signedBy,
		v.CreatedBy,
		v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return mapVersionInsertError(err)
		}
		return fmt.Errorf("inserting version: %w", err)
	}

	return nil
}

// Get retrieves a version by ID.
func (s *VersionStore) Get(ctx context.Context, id string) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM secret_versions WHERE id = $1`
	return s.getOne(ctx, query, id)
}

// GetByNumber retrieves a version by secret and number.
func (s *VersionStore) GetByNumber(ctx context.Context, secretID string, number int) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM secret_versions WHERE secret_id = $1 AND version_number = $2`
	return s.getOne(ctx, query, secretID, number)
}

func (s *VersionStore) getOne(ctx context.Context, query string, args ...any) (*models.Version, error) {
	v, err := scanVersion(s.conn().QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying version: %w", err)
	}
	return v, nil
}

// List retrieves all versions of a secret ordered by version number.
func (s *VersionStore) List(ctx context.Context, secretID string) ([]*models.Version, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM secret_versions
		WHERE secret_id = $1
		ORDER BY version_number ASC`

	rows, err := s.conn().QueryContext(ctx, query, secretID)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating versions: %w", err)
	}

	return versions, nil
}

// MaxNumber returns the highest version number of a secret, or 0.
func (s *VersionStore) MaxNumber(ctx context.Context, secretID string) (int, error) {
	query := `SELECT COALESCE(MAX(version_number), 0) FROM secret_versions WHERE secret_id = $1`

	var n int
	if err := s.conn().QueryRowContext(ctx, query, secretID).Scan(&n); err != nil {
		return 0, fmt.Errorf("querying max version number: %w", err)
	}
	return n, nil
}

func scanVersion(row rowScanner) (*models.Version, error) {
	v := &models.Version{}
	var signedBy []byte
	err := row.Scan(
		&v.ID,
		&v.SecretID,
		&v.VersionNumber,
		&v.ContentMarkdown,
		&v.CanonicalJSON,
		&v.SHA256,
		&v.TSAName,
		&v.TSAPolicyOID,
		&v.TSASerial,
		&v.TSATime,
		&v.TSAToken,
		&v.EIDASQTS,
		&signedBy,
		&v.CreatedBy,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(signedBy) > 0 {
		if err := json.Unmarshal(signedBy, &v.SignedBy); err != nil {
			return nil, fmt.Errorf("decoding signers: %w", err)
		}
	}
	return v, nil
}
