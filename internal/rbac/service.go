package rbac

import (
	"context"
	"fmt"
	"slices"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
)

// Service resolves the actor a user acts as.
type Service struct {
	repo Repository
}

// NewService constructs a Service backed by the provided repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Grant loads the roles and departments held by the user. Unknown stored role
// names are ignored.
func (s *Service) Grant(ctx context.Context, userID string) (Grant, error) {
	names, err := s.repo.UserRoles(ctx, userID)
	if err != nil {
		return Grant{}, fmt.Errorf("load roles: %w", err)
	}
	depts, err := s.repo.UserDepartments(ctx, userID)
	if err != nil {
		return Grant{}, fmt.Errorf("load departments: %w", err)
	}
	grant := Grant{UserID: userID}
	for _, name := range names {
		if role, ok := RoleFromName(name); ok && !slices.Contains(grant.Roles, role) {
			grant.Roles = append(grant.Roles, role)
		}
	}
	for _, d := range depts {
		grant.Departments = append(grant.Departments, auditplan.DepartmentID(d))
	}
	return grant, nil
}

// ResolveActor builds the actor for userID acting under requested. An empty
// request is accepted only when the user holds exactly one role.
func (s *Service) ResolveActor(ctx context.Context, userID string, requested auditplan.Role) (auditplan.Actor, error) {
	if requested == auditplan.RoleSystem {
		return auditplan.Actor{}, ErrRoleNotHeld
	}
	grant, err := s.Grant(ctx, userID)
	if err != nil {
		return auditplan.Actor{}, err
	}
	switch {
	case len(grant.Roles) == 0:
		return auditplan.Actor{}, ErrNoRoles
	case requested == "" && len(grant.Roles) > 1:
		return auditplan.Actor{}, ErrRoleRequired
	case requested == "":
		requested = grant.Roles[0]
	case !slices.Contains(grant.Roles, requested):
		return auditplan.Actor{}, fmt.Errorf("%w: %s", ErrRoleNotHeld, requested)
	}
	return auditplan.Actor{
		ID:          auditplan.UserID(userID),
		Role:        requested,
		Departments: grant.Departments,
	}, nil
}

// Assign grants a role and departments to a user.
func (s *Service) Assign(ctx context.Context, userID string, role auditplan.Role, depts ...auditplan.DepartmentID) error {
	name, ok := RoleName(role)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotHeld, role)
	}
	if err := s.repo.AssignRole(ctx, userID, name); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	for _, d := range depts {
		if err := s.repo.AssignDepartment(ctx, userID, string(d)); err != nil {
			return fmt.Errorf("assign department: %w", err)
		}
	}
	return nil
}
