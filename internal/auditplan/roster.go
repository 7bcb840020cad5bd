package auditplan

import "slices"

// TeamRoster indexes team rows by plan.
type TeamRoster struct {
	byPlan map[PlanID][]TeamMember
}

// NewTeamRoster groups members by AuditID, preserving input order.
func NewTeamRoster(members []TeamMember) *TeamRoster {
	r := &TeamRoster{byPlan: make(map[PlanID][]TeamMember)}
	for _, m := range members {
		r.byPlan[m.AuditID] = append(r.byPlan[m.AuditID], m)
	}
	return r
}

// MembersOf returns a copy of the plan's team rows; unknown plans yield none.
func (r *TeamRoster) MembersOf(auditID PlanID) []TeamMember {
	if r == nil {
		return nil
	}
	return slices.Clone(r.byPlan[auditID])
}

// IsLeadOf reports whether userID holds the lead flag on the plan's team.
func (r *TeamRoster) IsLeadOf(auditID PlanID, userID UserID) bool {
	m, ok := r.member(auditID, userID)
	return ok && m.IsLead
}

// IsMember reports whether userID has any row on the plan's team.
func (r *TeamRoster) IsMember(auditID PlanID, userID UserID) bool {
	_, ok := r.member(auditID, userID)
	return ok
}

// LeadOf returns the plan's lead, if any.
func (r *TeamRoster) LeadOf(auditID PlanID) (TeamMember, bool) {
	if r == nil {
		return TeamMember{}, false
	}
	for _, m := range r.byPlan[auditID] {
		if m.IsLead {
			return m, true
		}
	}
	return TeamMember{}, false
}

func (r *TeamRoster) member(auditID PlanID, userID UserID) (TeamMember, bool) {
	if r == nil || userID == "" {
		return TeamMember{}, false
	}
	for _, m := range r.byPlan[auditID] {
		if m.UserID == userID {
			return m, true
		}
	}
	return TeamMember{}, false
}

// ValidateTeam checks a proposed roster for one plan.
func ValidateTeam(auditID PlanID, members []TeamMember) error {
	seen := make(map[UserID]struct{}, len(members))
	leads := 0
	for _, m := range members {
		if m.AuditID != auditID {
			return validationf("team member %q belongs to plan %q", m.UserID, m.AuditID)
		}
		if m.UserID == "" {
			return validationf("team member user id required")
		}
		if !m.RoleInTeam.Valid() {
			return validationf("team member %q has unknown role %q", m.UserID, m.RoleInTeam)
		}
		if _, dup := seen[m.UserID]; dup {
			return validationf("team member %q listed twice", m.UserID)
		}
		seen[m.UserID] = struct{}{}
		if m.IsLead {
			leads++
		}
	}
	if leads > 1 {
		return validationf("at most one lead per plan, got %d", leads)
	}
	return nil
}

// ScopeRegistry indexes scope departments by plan.
type ScopeRegistry struct {
	byPlan map[PlanID][]ScopeDepartment
}

// NewScopeRegistry groups department rows by AuditID, preserving input order.
func NewScopeRegistry(rows []ScopeDepartment) *ScopeRegistry {
	r := &ScopeRegistry{byPlan: make(map[PlanID][]ScopeDepartment)}
	for _, d := range rows {
		r.byPlan[d.AuditID] = append(r.byPlan[d.AuditID], d)
	}
	return r
}

// DepartmentsOf returns a copy of the plan's department rows.
func (r *ScopeRegistry) DepartmentsOf(auditID PlanID) []ScopeDepartment {
	if r == nil {
		return nil
	}
	rows := r.byPlan[auditID]
	out := make([]ScopeDepartment, 0, len(rows))
	for _, d := range rows {
		d.SensitiveAreas = slices.Clone(d.SensitiveAreas)
		out = append(out, d)
	}
	return out
}

// Covers reports whether the plan lists dept among its scope departments.
func (r *ScopeRegistry) Covers(auditID PlanID, dept DepartmentID) bool {
	if r == nil || dept == "" {
		return false
	}
	for _, d := range r.byPlan[auditID] {
		if d.DeptID == dept {
			return true
		}
	}
	return false
}

// ValidateScope checks department rows against the plan's scope.
func ValidateScope(auditID PlanID, scope Scope, depts []ScopeDepartment) error {
	if !scope.Valid() {
		return validationf("unknown scope %q", scope)
	}
	if scope == ScopeDepartmental && len(depts) == 0 {
		return validationf("department scope requires at least one department")
	}
	seen := make(map[DepartmentID]struct{}, len(depts))
	for _, d := range depts {
		if d.AuditID != auditID {
			return validationf("department %q belongs to plan %q", d.DeptID, d.AuditID)
		}
		if d.DeptID == "" {
			return validationf("department id required")
		}
		if _, dup := seen[d.DeptID]; dup {
			return validationf("department %q listed twice", d.DeptID)
		}
		seen[d.DeptID] = struct{}{}
		if !d.SensitiveFlag && len(d.SensitiveAreas) > 0 {
			return validationf("department %q lists sensitive areas without the sensitive flag", d.DeptID)
		}
	}
	return nil
}
