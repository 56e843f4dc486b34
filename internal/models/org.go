// Package models provides data structures for the evidence plane.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Role represents a member's role within an organization (tenant).
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Organization is the tenant (vault) that owns secrets.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrgMembership links users to organizations with roles.
type OrgMembership struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// slugPattern matches valid slug characters: lowercase letters, numbers, and hyphens.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)

// ValidSlug reports whether s is a well-formed slug.
func ValidSlug(s string) bool {
	return len(s) <= 63 && slugPattern.MatchString(s)
}

// GenerateSlug generates a URL- and filename-friendly slug from a display name.
func GenerateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))

	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	slug = strings.Trim(slug, "-")

	if len(slug) > 63 {
		slug = slug[:63]
		slug = strings.TrimRight(slug, "-")
	}

	return slug
}

// Validation errors for organizations.
var (
	ErrOrgNameRequired = errors.New("organization name is required")
	ErrOrgInvalidSlug  = errors.New("organization slug must be lowercase alphanumeric with hyphens")
)

// Validate validates the organization fields, deriving the slug from the name
// when it is empty.
func (o *Organization) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return ErrOrgNameRequired
	}
	if o.Slug == "" {
		o.Slug = GenerateSlug(o.Name)
	}
	if !ValidSlug(o.Slug) {
		return ErrOrgInvalidSlug
	}
	return nil
}
