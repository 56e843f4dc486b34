package seal

import (
	"context"
	"errors"
	"fmt"

	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

// ErrVersionNotFound is returned when a version number does not resolve.
var ErrVersionNotFound = errors.New("version not found")

// Actor identifies who is calling and from where, for authorization and the
// audit trail.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

// CreateSecretRequest describes a new draft secret.
type CreateSecretRequest struct {
	OrgID          string
	Title          string
	Description    string
	Classification models.Classification
}

// CreateSecret creates a draft secret and records a create audit entry.
func (s *Service) CreateSecret(ctx context.Context, actor Actor, req CreateSecretRequest) (*models.Secret, error) {
	classification := req.Classification
	if classification == "" {
		classification = models.ClassificationConfidential
	}
	secret := &models.Secret{
		OrgID:          req.OrgID,
		Title:          req.Title,
		Description:    req.Description,
		Classification: classification,
		Status:         models.SecretStatusDraft,
		CreatedBy:      actor.UserID,
	}
	if err := secret.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.rbac.Authorize(ctx, req.OrgID, actor.UserID, auth.PermissionWriteSecrets); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Secrets().Create(ctx, secret); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &models.AuditEntry{
			SecretID:  secret.ID,
			ActorID:   actor.UserID,
			Action:    models.AuditActionCreate,
			Metadata:  map[string]any{"title": secret.Title, "classification": string(secret.Classification)},
			IPAddress: actor.IPAddress,
			UserAgent: actor.UserAgent,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating secret: %w", err)
	}
	return secret, nil
}

// Readable loads a secret the actor may read. A missing secret is
// ErrSecretNotFound; a non-member gets auth.ErrNotMember.
func (s *Service) Readable(ctx context.Context, secretID, userID string) (*models.Secret, *models.OrgMembership, error) {
	return s.load(ctx, secretID, userID, auth.PermissionReadSecrets)
}

func (s *Service) load(ctx context.Context, secretID, userID string, perm auth.Permission) (*models.Secret, *models.OrgMembership, error) {
	secret, err := s.store.Secrets().Get(ctx, secretID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrSecretNotFound
		}
		return nil, nil, fmt.Errorf("loading secret: %w", err)
	}
	m, err := s.rbac.Authorize(ctx, secret.OrgID, userID, perm)
	if err != nil {
		return nil, nil, err
	}
	return secret, m, nil
}

// ListSecrets lists an organization's secrets for a member.
func (s *Service) ListSecrets(ctx context.Context, orgID, userID string) ([]*models.Secret, error) {
	if _, err := s.rbac.Authorize(ctx, orgID, userID, auth.PermissionReadSecrets); err != nil {
		return nil, err
	}
	return s.store.Secrets().ListByOrg(ctx, orgID)
}

// ListVersions returns the token-free summaries of a secret's version chain.
func (s *Service) ListVersions(ctx context.Context, secretID, userID string) ([]models.VersionSummary, error) {
	if _, _, err := s.Readable(ctx, secretID, userID); err != nil {
		return nil, err
	}
	versions, err := s.store.Versions().List(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	out := make([]models.VersionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Summary())
	}
	return out, nil
}

// GetVersion returns one sealed version with its content and records a view
// audit entry.
func (s *Service) GetVersion(ctx context.Context, secretID string, number int, actor Actor) (*models.Version, error) {
	if _, _, err := s.Readable(ctx, secretID, actor.UserID); err != nil {
		return nil, err
	}
	v, err := s.store.Versions().GetByNumber(ctx, secretID, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("loading version: %w", err)
	}

	versionID := v.ID
	err = s.store.Audit().Append(ctx, &models.AuditEntry{
		SecretID:  secretID,
		VersionID: &versionID,
		ActorID:   actor.UserID,
		Action:    models.AuditActionView,
		Metadata:  map[string]any{"versionNumber": v.VersionNumber},
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	return v, nil
}

// AuditTrail returns a secret's audit trail in its official order.
func (s *Service) AuditTrail(ctx context.Context, secretID, userID string, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	if _, _, err := s.Readable(ctx, secretID, userID); err != nil {
		return nil, err
	}
	return s.store.Audit().List(ctx, secretID, filter)
}
