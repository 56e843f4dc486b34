package models

import (
	"errors"
	"strings"
	"time"
)

// SecretStatus is the lifecycle state of a secret.
type SecretStatus string

const (
	// SecretStatusDraft is a secret with no sealed version yet.
	SecretStatusDraft SecretStatus = "draft"
	// SecretStatusSealed is a secret whose current version pointer is set.
	SecretStatusSealed SecretStatus = "sealed"
)

// Classification labels the sensitivity of a secret.
type Classification string

const (
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
	ClassificationTopSecret    Classification = "top_secret"
)

// Validation errors for secrets.
var (
	ErrSecretTitleRequired       = errors.New("secret title is required")
	ErrSecretTitleTooLong        = errors.New("secret title must be 255 characters or less")
	ErrSecretOrgRequired         = errors.New("secret organization is required")
	ErrInvalidClassification     = errors.New("invalid classification")
	ErrSecretPointerInconsistent = errors.New("secret status and current version pointer disagree")
)

// Secret is a named piece of sensitive content owned by one organization.
type Secret struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"org_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Classification   Classification `json:"classification"`
	Status           SecretStatus   `json:"status"`
	CurrentVersionID *string        `json:"current_version_id"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate validates the secret fields.
func (s *Secret) Validate() error {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		return ErrSecretTitleRequired
	}
	if len(title) > 255 {
		return ErrSecretTitleTooLong
	}
	if s.OrgID == "" {
		return ErrSecretOrgRequired
	}
	switch s.Classification {
	case ClassificationInternal, ClassificationConfidential, ClassificationRestricted, ClassificationTopSecret:
	default:
		return ErrInvalidClassification
	}
	return s.CheckPointer()
}

// CheckPointer verifies status = sealed iff a current version is set.
func (s *Secret) CheckPointer() error {
	sealed := s.Status == SecretStatusSealed
	hasPointer := s.CurrentVersionID != nil && *s.CurrentVersionID != ""
	if sealed != hasPointer {
		return ErrSecretPointerInconsistent
	}
	if s.Status != SecretStatusDraft && s.Status != SecretStatusSealed {
		return ErrSecretPointerInconsistent
	}
	return nil
}
