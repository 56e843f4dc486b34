package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		slug VARCHAR(63) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS org_memberships (
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL CHECK (role IN ('owner', 'admin', 'editor', 'viewer')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_org_memberships_user ON org_memberships(user_id)`,

	`CREATE TABLE IF NOT EXISTS secrets (
		id UUID PRIMARY KEY,
		org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		classification VARCHAR(20) NOT NULL
			CHECK (classification IN ('internal', 'confidential', 'restricted', 'top_secret')),
		status VARCHAR(10) NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'sealed')),
		current_version_id UUID,
		created_by VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT secrets_status_pointer CHECK ((status = 'sealed') = (current_version_id IS NOT NULL))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_secrets_org ON secrets(org_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS secret_versions (
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL REFERENCES secrets(id) ON DELETE CASCADE,
		version_number INTEGER NOT NULL CHECK (version_number >= 1),
		content_markdown TEXT NOT NULL,
		content_canonical_json TEXT NOT NULL,
		sha256_hash CHAR(64) NOT NULL,
		tsa_name TEXT NOT NULL,
		tsa_policy_oid TEXT NOT NULL,
		tsa_serial TEXT NOT NULL,
		tsa_time TIMESTAMPTZ NOT NULL,
		tsa_token BYTEA NOT NULL,
		eidas_qts BYTEA,
		signed_by JSONB NOT NULL DEFAULT '[]',
		created_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT secret_versions_secret_number_key UNIQUE (secret_id, version_number),
		CONSTRAINT secret_versions_id_secret_key UNIQUE (id, secret_id)
	)`,

	// The pointer must name a version of the same secret. Deferred so the
	// version insert and the pointer update can happen in either order.
	`DO $$ BEGIN
		ALTER TABLE secrets ADD CONSTRAINT secrets_current_version_fk
			FOREIGN KEY (current_version_id, id) REFERENCES secret_versions (id, secret_id)
			DEFERRABLE INITIALLY DEFERRED;
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,

	// Audit rows never cascade: a secret with history cannot be deleted, and
	// there is no delete operation for secrets.
	`CREATE TABLE IF NOT EXISTS secret_audit (
		seq BIGSERIAL UNIQUE,
		id UUID PRIMARY KEY,
		secret_id UUID NOT NULL REFERENCES secrets(id),
		version_id UUID REFERENCES secret_versions(id),
		actor_id VARCHAR(255) NOT NULL,
		action VARCHAR(20) NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_secret_audit_secret ON secret_audit(secret_id, created_at, seq)`,

	`CREATE OR REPLACE FUNCTION reject_append_only_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% on % is not allowed: table is append-only', TG_OP, TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS secret_versions_append_only ON secret_versions`,
	`CREATE TRIGGER secret_versions_append_only
		BEFORE UPDATE ON secret_versions
		FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation()`,

	`DROP TRIGGER IF EXISTS secret_audit_append_only ON secret_audit`,
	`CREATE TRIGGER secret_audit_append_only
		BEFORE UPDATE OR DELETE ON secret_audit
		FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation()`,
}

// Migrate applies the schema in a single transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

// Migrate applies the schema to the store's database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := Migrate(ctx, s.db); err != nil {
		return err
	}
	s.logger.Info("database schema applied", "statements", len(schema))
	return nil
}
