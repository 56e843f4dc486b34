package models

import "time"

// AuditAction identifies what was done to a secret.
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionSeal   AuditAction = "seal"
	AuditActionView   AuditAction = "view"
	AuditActionExport AuditAction = "export"
	AuditActionVerify AuditAction = "verify"
)

// AuditEntry is an append-only record of an action taken against a secret.
// Ordering by CreatedAt (then ID) is the official access history.
type AuditEntry struct {
	ID        string         `json:"id"`
	SecretID  string         `json:"secret_id"`
	VersionID *string        `json:"version_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Action    AuditAction    `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
