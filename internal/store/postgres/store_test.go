package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(db, nil), mock
}

func TestVersionCreateMapsNumberConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO secret_versions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: versionNumberConstraint})

	err := s.Versions().Create(context.Background(), &models.Version{SecretID: "s1", VersionNumber: 1})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionCreateMapsOtherUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO secret_versions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "secret_versions_pkey"})

	err := s.Versions().Create(context.Background(), &models.Version{SecretID: "s1", VersionNumber: 1})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestVersionCreateWritesAllColumns(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	v := &models.Version{
		ID:              "v1",
		SecretID:        "s1",
		VersionNumber:   2,
		ContentMarkdown: "body",
		CanonicalJSON:   `{"a":1}`,
		SHA256:          "abc",
		TSAName:         "tsa",
		TSAPolicyOID:    "1.2.3",
		TSASerial:       "7",
		TSATime:         at,
		TSAToken:        []byte{0x30, 0x01},
		SignedBy:        []models.Signer{{UserID: "u1", Role: models.RoleEditor, SignedAt: at}},
		CreatedBy:       "u1",
		CreatedAt:       at,
	}

	mock.ExpectExec("INSERT INTO secret_versions").
		WithArgs("v1", "s1", 2, "body", `{"a":1}`, "abc", "tsa", "1.2.3", "7", at,
			[]byte{0x30, 0x01}, sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Versions().Create(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionGetDecodesSigners(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "secret_id", "version_number", "content_markdown", "content_canonical_json",
		"sha256_hash", "tsa_name", "tsa_policy_oid", "tsa_serial", "tsa_time", "tsa_token", "eidas_qts",
		"signed_by", "created_by", "created_at"}).
		AddRow("v1", "s1", 1, "v1 body", "{}", "hash", "tsa", "1.2", "9", at, []byte{1}, nil,
			[]byte(`[{"user_id":"u1","role":"owner","signed_at":"2025-03-01T12:00:00Z"}]`), "u1", at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM secret_versions WHERE id = $1")).WithArgs("v1").WillReturnRows(rows)

	v, err := s.Versions().Get(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, v.SignedBy, 1)
	assert.Equal(t, models.RoleOwner, v.SignedBy[0].Role)
	assert.Equal(t, "v1 body", v.ContentMarkdown)
	assert.Nil(t, v.EIDASQTS)
}

func TestVersionMaxNumber(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version_number), 0)")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))

	n, err := s.Versions().MaxNumber(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSecretGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM secrets WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Secrets().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSecretGetScansPointer(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "org_id", "title", "description", "classification", "status",
		"current_version_id", "created_by", "created_at", "updated_at"}).
		AddRow("s1", "o1", "Formula", "", "restricted", "sealed", "v3", "u1", at, at)
	mock.ExpectQuery("FROM secrets WHERE id").WithArgs("s1").WillReturnRows(rows)

	sec, err := s.Secrets().Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sec.CurrentVersionID)
	assert.Equal(t, "v3", *sec.CurrentVersionID)
	assert.NoError(t, sec.CheckPointer())
}

func TestMarkSealedMissingSecret(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE secrets").
		WithArgs("s1", "v1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Secrets().MarkSealed(context.Background(), "s1", "v1", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxCommitsSealSteps(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO secret_versions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE secrets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO secret_audit").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx store.Store) error {
		v := &models.Version{SecretID: "s1", VersionNumber: 1}
		if err := tx.Versions().Create(ctx, v); err != nil {
			return err
		}
		if err := tx.Secrets().MarkSealed(ctx, "s1", v.ID, time.Now()); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &models.AuditEntry{SecretID: "s1", VersionID: &v.ID, ActorID: "u1", Action: models.AuditActionSeal})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO secret_versions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE secrets").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx store.Store) error {
		v := &models.Version{SecretID: "s1", VersionNumber: 1}
		if err := tx.Versions().Create(ctx, v); err != nil {
			return err
		}
		return tx.Secrets().MarkSealed(ctx, "s1", v.ID, time.Now())
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListFiltersActions(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "secret_id", "version_id", "actor_id", "action", "metadata", "ip_address", "user_agent", "created_at"}).
		AddRow("a1", "s1", "v1", "u1", "seal", []byte(`{"hash":"abc","versionNumber":1}`), "10.0.0.1", "curl", at).
		AddRow("a2", "s1", nil, "u2", "export", []byte(`{}`), "", "", at.Add(time.Second))
	mock.ExpectQuery("FROM secret_audit").
		WithArgs("s1", sqlmock.AnyArg(), 10).
		WillReturnRows(rows)

	entries, err := s.Audit().List(context.Background(), "s1", store.AuditFilter{
		Actions: []models.AuditAction{models.AuditActionSeal, models.AuditActionExport},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionSeal, entries[0].Action)
	require.NotNil(t, entries[0].VersionID)
	assert.Equal(t, "abc", entries[0].Metadata["hash"])
	assert.Nil(t, entries[1].VersionID)
}

func TestMigrateAppliesEveryStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	for range schema {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditTrailOutlivesSecretDeletion(t *testing.T) {
	var table, trigger string
	for _, stmt := range schema {
		switch {
		case strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS secret_audit"):
			table = stmt
		case strings.Contains(stmt, "CREATE TRIGGER secret_audit_append_only"):
			trigger = stmt
		}
	}
	require.NotEmpty(t, table)
	require.NotEmpty(t, trigger)
	assert.Contains(t, table, "REFERENCES secrets(id),")
	assert.NotContains(t, table, "ON DELETE")
	assert.Contains(t, trigger, "BEFORE UPDATE OR DELETE ON secret_audit")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "secret_versions_secret_number_key" (SQLSTATE 23505)`)))
	assert.ErrorIs(t, mapVersionInsertError(errors.New(`duplicate key value violates unique constraint "secret_versions_secret_number_key"`)), store.ErrVersionConflict)
}

func TestOrgCreateMapsTakenSlug(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO organizations").
		WithArgs(sqlmock.AnyArg(), "Acme Labs", "acme-labs", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "organizations_slug_key"})

	err := s.Orgs().Create(context.Background(), &models.Organization{Name: "Acme Labs"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgListForUser(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN org_memberships m ON m.org_id = o.id")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "created_at", "updated_at"}).
			AddRow("o1", "Acme", "acme", at, at).
			AddRow("o2", "Globex", "globex", at, at))

	orgs, err := s.Orgs().ListForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "globex", orgs[1].Slug)
}

func TestAddMemberUnknownOrg(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO org_memberships").
		WithArgs("missing", "u1", "editor", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	err := s.Orgs().AddMember(context.Background(), "missing", "u1", models.RoleEditor)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, s.Orgs().AddMember(context.Background(), "o1", "u1", models.Role("root")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMembershipNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM org_memberships").
		WithArgs("o1", "u1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Orgs().GetMembership(context.Background(), "o1", "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
