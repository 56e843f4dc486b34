package models

import "time"

// Signer records who sealed a version, in which role, and when.
type Signer struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	SignedAt time.Time `json:"signed_at"`
}

// Version is one immutable, sealed snapshot of a secret's content.
// Rows are insert-only; re-sealing creates version N+1.
type Version struct {
	ID              string    `json:"id"`
	SecretID        string    `json:"secret_id"`
	VersionNumber   int       `json:"version_number"`
	ContentMarkdown string    `json:"content_markdown"`
	CanonicalJSON   string    `json:"content_canonical_json"`
	SHA256          string    `json:"sha256_hash"`
	TSAName         string    `json:"tsa_name"`
	TSAPolicyOID    string    `json:"tsa_policy_oid"`
	TSASerial       string    `json:"tsa_serial"`
	TSATime         time.Time `json:"tsa_time"`
	TSAToken        []byte    `json:"tsa_token,omitempty"`
	EIDASQTS        []byte    `json:"eidas_qts,omitempty"`
	SignedBy        []Signer  `json:"signed_by"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// VersionSummary is the token-free view of a version used in listings.
type VersionSummary struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"version_number"`
	SHA256        string    `json:"sha256_hash"`
	TSAName       string    `json:"tsa_name"`
	TSASerial     string    `json:"tsa_serial"`
	TSATime       time.Time `json:"tsa_time"`
	HasQualified  bool      `json:"has_qualified_timestamp"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary returns the listing view of the version.
func (v *Version) Summary() VersionSummary {
	return VersionSummary{
		ID:            v.ID,
		VersionNumber: v.VersionNumber,
		SHA256:        v.SHA256,
		TSAName:       v.TSAName,
		TSASerial:     v.TSASerial,
		TSATime:       v.TSATime,
		HasQualified:  len(v.EIDASQTS) > 0,
		CreatedBy:     v.CreatedBy,
		CreatedAt:     v.CreatedAt,
	}
}
