package auditplan

// Directory is the read-only roster and scope snapshot that visibility is
// evaluated against.
type Directory struct {
	Roster *TeamRoster
	Scopes *ScopeRegistry
}

var directorStatuses = map[Status]bool{
	StatusPendingDirectorApproval: true,
	StatusApproved:                true,
	StatusInProgress:              true,
	StatusRejected:                true,
}

// CanView reports whether actor may see plan.
func CanView(plan PlanRecord, actor Actor, dir Directory) bool {
	if !actor.valid() {
		return false
	}
	switch actor.Role {
	case RoleSystem:
		return true
	case RoleAuditor:
		return plan.CreatedBy == actor.ID || dir.Roster.IsMember(plan.ID, actor.ID)
	case RoleLeadAuditor:
		return dir.Roster.IsLeadOf(plan.ID, actor.ID)
	case RoleDirector:
		return directorStatuses[plan.Status]
	case RoleAuditeeOwner:
		if !plan.Status.Published() {
			return false
		}
		if plan.Scope == ScopeEntireOrganization {
			return true
		}
		for _, dept := range actor.Departments {
			if dir.Scopes.Covers(plan.ID, dept) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// VisiblePlans returns the subset of plans actor may see, in input order.
func VisiblePlans(plans []PlanRecord, actor Actor, dir Directory) []PlanRecord {
	out := make([]PlanRecord, 0, len(plans))
	for _, p := range plans {
		if CanView(p, actor, dir) {
			out = append(out, p)
		}
	}
	return out
}

// AllowedActions lists, in table order, the actions actor may take on plan now.
func AllowedActions(plan PlanRecord, actor Actor, dir Directory) []Action {
	if !CanView(plan, actor, dir) {
		return []Action{}
	}
	out := make([]Action, 0, 3)
	for _, action := range allActions {
		if Authorize(plan, action, actor, dir.Roster) == nil {
			out = append(out, action)
		}
	}
	return out
}

// CanAct reports whether action is offered to actor on plan.
func CanAct(plan PlanRecord, actor Actor, action Action, dir Directory) bool {
	return CanView(plan, actor, dir) && Authorize(plan, action, actor, dir.Roster) == nil
}
