package auditplan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func visibilityFixture() ([]PlanRecord, Directory) {
	plans := []PlanRecord{
		{ID: "P1", Status: StatusDraft, Scope: ScopeDepartmental, CreatedBy: "U1"},
		{ID: "P2", Status: StatusPendingReview, Scope: ScopeDepartmental, CreatedBy: "U2"},
		{ID: "P3", Status: StatusPendingDirectorApproval, Scope: ScopeDepartmental, CreatedBy: "U2"},
		{ID: "P4", Status: StatusApproved, Scope: ScopeDepartmental, CreatedBy: "U1"},
		{ID: "P5", Status: StatusInProgress, Scope: ScopeDepartmental, CreatedBy: "U2"},
		{ID: "P6", Status: StatusRejected, Scope: ScopeDepartmental, CreatedBy: "U2", Rejection: &Rejection{Comment: "no", By: RejectedByDirector}},
		{ID: "P7", Status: StatusApproved, Scope: ScopeEntireOrganization, CreatedBy: "U2"},
		{ID: "P8", Status: StatusArchived, Scope: ScopeDepartmental, CreatedBy: "U1"},
	}
	team := []TeamMember{
		{AuditID: "P1", UserID: "L1", RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
		{AuditID: "P2", UserID: "L2", RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
		{AuditID: "P2", UserID: "L1", RoleInTeam: TeamRoleLeadAuditor},
		{AuditID: "P3", UserID: "L1", RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
		{AuditID: "P4", UserID: "L1", RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
		{AuditID: "P5", UserID: "U1", RoleInTeam: TeamRoleAuditor},
	}
	depts := []ScopeDepartment{
		{AuditID: "P1", DeptID: "D7"},
		{AuditID: "P2", DeptID: "D7"},
		{AuditID: "P3", DeptID: "D7"},
		{AuditID: "P4", DeptID: "D7"},
		{AuditID: "P5", DeptID: "D9"},
		{AuditID: "P6", DeptID: "D7"},
		{AuditID: "P8", DeptID: "D7"},
	}
	return plans, Directory{Roster: NewTeamRoster(team), Scopes: NewScopeRegistry(depts)}
}

func planIDs(plans []PlanRecord) []PlanID {
	out := make([]PlanID, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.ID)
	}
	return out
}

func TestVisiblePlansByRole(t *testing.T) {
	plans, dir := visibilityFixture()
	cases := []struct {
		name  string
		actor Actor
		want  []PlanID
	}{
		{"auditor sees own and team plans", Actor{ID: "U1", Role: RoleAuditor}, []PlanID{"P1", "P4", "P5", "P8"}},
		{"lead sees only plans it leads", Actor{ID: "L1", Role: RoleLeadAuditor}, []PlanID{"P1", "P3", "P4"}},
		{"second lead", Actor{ID: "L2", Role: RoleLeadAuditor}, []PlanID{"P2"}},
		{"director", Actor{ID: "Dr1", Role: RoleDirector}, []PlanID{"P3", "P4", "P5", "P6", "P7"}},
		{"auditee owner D7", Actor{ID: "O1", Role: RoleAuditeeOwner, Departments: []DepartmentID{"D7"}}, []PlanID{"P4", "P7"}},
		{"auditee owner D9", Actor{ID: "O2", Role: RoleAuditeeOwner, Departments: []DepartmentID{"D9"}}, []PlanID{"P5", "P7"}},
		{"auditee owner department id is exact", Actor{ID: "O3", Role: RoleAuditeeOwner, Departments: []DepartmentID{"d7", " D7"}}, []PlanID{"P7"}},
		{"system", SystemActor(), []PlanID{"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8"}},
		{"missing id", Actor{Role: RoleDirector}, []PlanID{}},
		{"unknown role", Actor{ID: "X", Role: "Admin"}, []PlanID{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := planIDs(VisiblePlans(plans, tc.actor, dir))
			require.Equal(t, tc.want, got)
			require.Equal(t, got, planIDs(VisiblePlans(plans, tc.actor, dir)))
		})
	}
}

func TestLeadNeverSeesPlanWithoutLeadFlag(t *testing.T) {
	plans, dir := visibilityFixture()
	lead := Actor{ID: "L1", Role: RoleLeadAuditor}
	for _, p := range VisiblePlans(plans, lead, dir) {
		require.True(t, dir.Roster.IsLeadOf(p.ID, lead.ID), p.ID)
	}
}

func TestAllowedActions(t *testing.T) {
	plans, dir := visibilityFixture()
	byID := make(map[PlanID]PlanRecord, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}
	cases := []struct {
		name  string
		plan  PlanID
		actor Actor
		want  []Action
	}{
		{"creator submits draft", "P1", Actor{ID: "U1", Role: RoleAuditor}, []Action{ActionSubmitToLead}},
		{"lead reviews", "P2", Actor{ID: "L2", Role: RoleLeadAuditor}, []Action{ActionForwardToDirector, ActionDeclineByLead, ActionRequestRevision}},
		{"non-lead member cannot review", "P2", Actor{ID: "L1", Role: RoleLeadAuditor}, []Action{}},
		{"lead idle after forwarding", "P3", Actor{ID: "L1", Role: RoleLeadAuditor}, []Action{}},
		{"director decides", "P3", Actor{ID: "Dr1", Role: RoleDirector}, []Action{ActionApproveByDirector, ActionRejectByDirector}},
		{"director idle on approved", "P4", Actor{ID: "Dr1", Role: RoleDirector}, []Action{}},
		{"creator begins execution", "P4", Actor{ID: "U1", Role: RoleAuditor}, []Action{ActionBeginExecution}},
		{"auditee never acts", "P4", Actor{ID: "O1", Role: RoleAuditeeOwner, Departments: []DepartmentID{"D7"}}, []Action{}},
		{"invisible plan offers nothing", "P2", Actor{ID: "U1", Role: RoleAuditor}, []Action{}},
		{"system archives", "P6", SystemActor(), []Action{ActionArchivePlan}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AllowedActions(byID[tc.plan], tc.actor, dir)
			require.Equal(t, tc.want, got)
			for _, action := range Actions() {
				want := false
				for _, a := range tc.want {
					if a == action {
						want = true
					}
				}
				require.Equal(t, want, CanAct(byID[tc.plan], tc.actor, action, dir), string(action))
			}
		})
	}
}
