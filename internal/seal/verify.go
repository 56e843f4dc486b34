package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/models"
)

// VersionCheck is the verification outcome of one stored version.
type VersionCheck struct {
	VersionID     string   `json:"version_id"`
	VersionNumber int      `json:"version_number"`
	StoredHash    string   `json:"stored_hash"`
	ComputedHash  string   `json:"computed_hash,omitempty"`
	Match         bool     `json:"match"`
	Problems      []string `json:"problems,omitempty"`
}

// Report is the result of verifying a secret's whole chain.
type Report struct {
	SecretID          string         `json:"secret_id"`
	Versions          []VersionCheck `json:"versions"`
	Contiguous        bool           `json:"contiguous"`
	PointerConsistent bool           `json:"pointer_consistent"`
	Valid             bool           `json:"valid"`
	CheckedAt         time.Time      `json:"checked_at"`
}

// CheckVersion re-canonicalizes a stored version from its snapshot and
// compares the result with the stored digest. The snapshot must also agree
// with the version's own markdown, number and secret.
func CheckVersion(v *models.Version) VersionCheck {
	check := VersionCheck{
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		StoredHash:    v.SHA256,
	}

	rec, err := canonical.Parse(v.CanonicalJSON)
	if err != nil {
		check.Problems = append(check.Problems, err.Error())
		return check
	}
	if rec.ContentMarkdown != v.ContentMarkdown {
		check.Problems = append(check.Problems, "snapshot markdown differs from stored content")
	}
	if rec.VersionNumber != v.VersionNumber {
		check.Problems = append(check.Problems, fmt.Sprintf("snapshot version %d differs from %d", rec.VersionNumber, v.VersionNumber))
	}
	if rec.SecretID != v.SecretID {
		check.Problems = append(check.Problems, "snapshot belongs to another secret")
	}

	_, digest, err := canonical.Recompute(rec)
	if err != nil {
		check.Problems = append(check.Problems, err.Error())
		return check
	}
	check.ComputedHash = digest
	if digest != v.SHA256 {
		check.Problems = append(check.Problems, "digest mismatch")
	}
	check.Match = len(check.Problems) == 0
	return check
}

// Verify recomputes every version digest of a secret, checks the numbering
// and the current-version pointer, and records a verify audit entry.
func (s *Service) Verify(ctx context.Context, secretID string, actor Actor) (*Report, error) {
	secret, _, err := s.Readable(ctx, secretID, actor.UserID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.Versions().List(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	report := &Report{
		SecretID:   secretID,
		Versions:   make([]VersionCheck, 0, len(versions)),
		Contiguous: true,
		CheckedAt:  s.now().UTC(),
	}
	valid := true
	for i, v := range versions {
		check := CheckVersion(v)
		valid = valid && check.Match
		if v.VersionNumber != i+1 {
			report.Contiguous = false
		}
		report.Versions = append(report.Versions, check)
	}
	report.PointerConsistent = pointerConsistent(secret, versions)
	report.Valid = valid && report.Contiguous && report.PointerConsistent

	err = s.store.Audit().Append(ctx, &models.AuditEntry{
		SecretID:  secretID,
		ActorID:   actor.UserID,
		Action:    models.AuditActionVerify,
		Metadata:  map[string]any{"valid": report.Valid, "versions": len(versions)},
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	return report, nil
}

// pointerConsistent reports whether a sealed secret points at its highest
// version and a draft has no versions.
func pointerConsistent(secret *models.Secret, versions []*models.Version) bool {
	if secret.CheckPointer() != nil {
		return false
	}
	if len(versions) == 0 {
		return secret.Status == models.SecretStatusDraft
	}
	if secret.Status != models.SecretStatusSealed {
		return false
	}
	latest := versions[len(versions)-1]
	return *secret.CurrentVersionID == latest.ID && latest.SecretID == secret.ID
}
