package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("insufficient permissions")
	ErrNotMember        = errors.New("not a member of the owning organization")
)

// Permission represents an action that can be performed within a tenant.
type Permission string

const (
	// PermissionReadSecrets allows viewing secrets, versions, audit trails and
	// exporting evidence.
	PermissionReadSecrets Permission = "read_secrets"
	// PermissionWriteSecrets allows creating and sealing secrets.
	PermissionWriteSecrets Permission = "write_secrets"
	// PermissionManageMembers allows adding members to the organization.
	PermissionManageMembers Permission = "manage_members"
)

// rolePermissions defines which permissions each role has.
var rolePermissions = map[models.Role][]Permission{
	models.RoleOwner: {
		PermissionReadSecrets,
		PermissionWriteSecrets,
		PermissionManageMembers,
	},
	models.RoleAdmin: {
		PermissionReadSecrets,
		PermissionWriteSecrets,
		PermissionManageMembers,
	},
	models.RoleEditor: {
		PermissionReadSecrets,
		PermissionWriteSecrets,
	},
	models.RoleViewer: {
		PermissionReadSecrets,
	},
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role models.Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrPermissionDenied
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}

// RBACService resolves a user's tenant role and checks it against a permission.
type RBACService struct {
	orgs   store.OrgStore
	logger *slog.Logger
}

// NewRBACService creates a new RBAC service.
func NewRBACService(orgs store.OrgStore, logger *slog.Logger) *RBACService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RBACService{
		orgs:   orgs,
		logger: logger,
	}
}

// Authorize returns the user's membership in orgID if it grants permission.
// It returns ErrNotMember when the user has no membership at all and
// ErrPermissionDenied when the role is too weak.
func (s *RBACService) Authorize(ctx context.Context, orgID, userID string, permission Permission) (*models.OrgMembership, error) {
	if userID == "" {
		return nil, ErrNotMember
	}
	m, err := s.orgs.GetMembership(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("resolving membership: %w", err)
	}
	if err := CheckRolePermission(m.Role, permission); err != nil {
		s.logger.Debug("permission denied",
			"org_id", orgID,
			"user_id", userID,
			"role", m.Role,
			"permission", permission,
		)
		return nil, err
	}
	return m, nil
}
