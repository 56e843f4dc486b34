package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

// AuditStore implements store.AuditStore using PostgreSQL.
type AuditStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *AuditStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append inserts an audit entry.
func (s *AuditStore) Append(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}

	query := `
		INSERT INTO secret_audit (id, secret_id, version_id, actor_id, action, metadata, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.conn().ExecContext(ctx, query,
		e.ID,
		e.SecretID,
		e.VersionID,
		e.ActorID,
		string(e.Action),
		meta,
		e.IPAddress,
		e.UserAgent,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// List retrieves a secret's audit trail in commit order.
func (s *AuditStore) List(ctx context.Context, secretID string, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	var actions []string
	for _, a := range filter.Actions {
		actions = append(actions, string(a))
	}

	query := `
		SELECT id, secret_id, version_id, actor_id, action, metadata, ip_address, user_agent, created_at
		FROM secret_audit
		WHERE secret_id = $1 AND ($2::text[] IS NULL OR action = ANY($2::text[]))
		ORDER BY created_at ASC, seq ASC`
	args := []any{secretID, pq.Array(actions)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var versionID sql.NullString
		var action string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.SecretID, &versionID, &e.ActorID, &action, &meta, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		if versionID.Valid {
			e.VersionID = &versionID.String
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit trail: %w", err)
	}

	return entries, nil
}
