package rbac

import (
	"errors"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
)

var (
	// ErrRoleNotHeld indicates the user asked to act under a role they were never granted.
	ErrRoleNotHeld = errors.New("rbac: role not held")
	// ErrRoleRequired indicates the user holds several roles and named none.
	ErrRoleRequired = errors.New("rbac: acting role required")
	// ErrNoRoles indicates the user holds no audit role at all.
	ErrNoRoles = errors.New("rbac: no roles assigned")
)

// roleNames maps stored role names to the roles actors act under. SYSTEM has
// no stored name so it can never be resolved for a user.
var roleNames = map[string]auditplan.Role{
	"auditor":       auditplan.RoleAuditor,
	"lead_auditor":  auditplan.RoleLeadAuditor,
	"director":      auditplan.RoleDirector,
	"auditee_owner": auditplan.RoleAuditeeOwner,
}

// RoleFromName converts a stored role name.
func RoleFromName(name string) (auditplan.Role, bool) {
	role, ok := roleNames[name]
	return role, ok
}

// RoleName converts an actor role to its stored name.
func RoleName(role auditplan.Role) (string, bool) {
	for name, r := range roleNames {
		if r == role {
			return name, true
		}
	}
	return "", false
}

// Grant is the set of roles and departments a user holds.
type Grant struct {
	UserID      string
	Roles       []auditplan.Role
	Departments []auditplan.DepartmentID
}
