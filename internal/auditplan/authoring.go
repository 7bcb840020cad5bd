package auditplan

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// TeamMemberInput is one proposed roster row.
type TeamMemberInput struct {
	UserID     UserID
	RoleInTeam TeamRole
	IsLead     bool
}

// DepartmentInput is one proposed scope department.
type DepartmentInput struct {
	DeptID         DepartmentID
	DeptName       string
	SensitiveFlag  bool
	SensitiveAreas []string
}

// CreatePlanInput carries a new Draft plan.
type CreatePlanInput struct {
	Title       string
	Objective   string
	Scope       Scope
	StartDate   time.Time
	EndDate     time.Time
	TemplateIDs []TemplateID
	Team        []TeamMemberInput
	Departments []DepartmentInput
}

// Validate checks the plan header fields.
func (in CreatePlanInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return validationf("title required")
	}
	if !in.Scope.Valid() {
		return validationf("unknown scope %q", in.Scope)
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return validationf("start and end dates required")
	}
	if in.EndDate.Before(in.StartDate) {
		return validationf("end date before start date")
	}
	return nil
}

// CreatePlan stores a new Draft plan authored by an Auditor.
func (s *Service) CreatePlan(ctx context.Context, actor Actor, in CreatePlanInput) (PlanRecord, error) {
	if !actor.valid() || actor.Role != RoleAuditor {
		return PlanRecord{}, fmt.Errorf("%w: only auditors author plans", ErrForbiddenActor)
	}
	if err := in.Validate(); err != nil {
		return PlanRecord{}, err
	}
	now := s.now()
	plan := PlanRecord{
		ID:          PlanID(s.newID()),
		Title:       strings.TrimSpace(in.Title),
		Objective:   strings.TrimSpace(in.Objective),
		Scope:       in.Scope,
		Status:      StatusDraft,
		CreatedBy:   actor.ID,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		TemplateIDs: slices.Clone(in.TemplateIDs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	team := buildTeam(plan.ID, in.Team)
	if err := ValidateTeam(plan.ID, team); err != nil {
		return PlanRecord{}, err
	}
	depts := buildScope(plan.ID, in.Departments)
	if err := ValidateScope(plan.ID, plan.Scope, depts); err != nil {
		return PlanRecord{}, err
	}
	created, err := s.store.CreatePlan(ctx, plan, team, depts)
	if err != nil {
		return PlanRecord{}, err
	}
	s.recordAudit(ctx, actor, "PLAN_CREATE", created.ID, map[string]any{"title": created.Title, "scope": string(created.Scope)})
	s.publish(ctx, PlanEvent{PlanID: created.ID, Kind: EventPlanCreated, Status: created.Status, At: now})
	return created, nil
}

// ReplaceTeam swaps the plan's roster. Draft plans are edited by their creator;
// Approved and InProgress plans only after the latest revision request was approved.
func (s *Service) ReplaceTeam(ctx context.Context, actor Actor, id PlanID, members []TeamMemberInput) ([]TeamMember, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(plan, actor, dir) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	switch plan.Status {
	case StatusDraft:
		if !isCreatingAuditor(plan, actor, dir.Roster) {
			return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "team edit", Err: ErrForbiddenActor}
		}
	case StatusApproved, StatusInProgress:
		if !isCreatingAuditor(plan, actor, dir.Roster) && !isPlanLead(plan, actor, dir.Roster) {
			return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "team edit", Err: ErrForbiddenActor}
		}
		reqs, err := s.store.FetchRevisionRequests(ctx, RevisionFilter{AuditID: id})
		if err != nil {
			return nil, err
		}
		latest, ok := LatestResolved(reqs, id)
		if !ok || latest.Status != RevisionApproved {
			return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "team is locked without an approved revision request", Err: ErrInvalidTransition}
		}
	default:
		return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "team edit", Err: ErrInvalidTransition}
	}
	team := buildTeam(id, members)
	if err := ValidateTeam(id, team); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceTeam(ctx, id, plan.Status, team); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "PLAN_TEAM_REPLACE", id, map[string]any{"members": len(team)})
	s.publish(ctx, PlanEvent{PlanID: id, Kind: EventTeamChanged, Status: plan.Status, At: s.now()})
	return team, nil
}

// ReplaceScope swaps the plan's departments while it is still a Draft.
func (s *Service) ReplaceScope(ctx context.Context, actor Actor, id PlanID, depts []DepartmentInput) ([]ScopeDepartment, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(plan, actor, dir) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if plan.Status != StatusDraft {
		return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "scope edit", Err: ErrInvalidTransition}
	}
	if !isCreatingAuditor(plan, actor, dir.Roster) {
		return nil, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "scope edit", Err: ErrForbiddenActor}
	}
	rows := buildScope(id, depts)
	if err := ValidateScope(id, plan.Scope, rows); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceScope(ctx, id, plan.Status, rows); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "PLAN_SCOPE_REPLACE", id, map[string]any{"departments": len(rows)})
	s.publish(ctx, PlanEvent{PlanID: id, Kind: EventScopeChanged, Status: plan.Status, At: s.now()})
	return rows, nil
}

// RecreatePlan copies a Declined or Rejected plan into a new Draft. The
// original record is left untouched.
func (s *Service) RecreatePlan(ctx context.Context, actor Actor, id PlanID) (PlanRecord, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return PlanRecord{}, err
	}
	if !CanView(plan, actor, dir) {
		return PlanRecord{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if plan.Status != StatusDeclined && plan.Status != StatusRejected {
		return PlanRecord{}, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "recreate", Err: ErrInvalidTransition}
	}
	if !isCreatingAuditor(plan, actor, dir.Roster) {
		return PlanRecord{}, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "recreate", Err: ErrForbiddenActor}
	}
	now := s.now()
	draft := plan.Clone()
	draft.ID = PlanID(s.newID())
	draft.Status = StatusDraft
	draft.Rejection = nil
	draft.RevisedFrom = plan.ID
	draft.CreatedAt = now
	draft.UpdatedAt = now

	team := dir.Roster.MembersOf(plan.ID)
	for i := range team {
		team[i].AuditID = draft.ID
	}
	depts := dir.Scopes.DepartmentsOf(plan.ID)
	for i := range depts {
		depts[i].AuditID = draft.ID
	}
	created, err := s.store.CreatePlan(ctx, draft, team, depts)
	if err != nil {
		return PlanRecord{}, err
	}
	s.recordAudit(ctx, actor, "PLAN_RECREATE", created.ID, map[string]any{"revised_from": string(plan.ID)})
	s.publish(ctx, PlanEvent{PlanID: created.ID, Kind: EventPlanCreated, Status: created.Status, At: now})
	return created, nil
}

func buildTeam(id PlanID, in []TeamMemberInput) []TeamMember {
	out := make([]TeamMember, 0, len(in))
	for _, m := range in {
		out = append(out, TeamMember{AuditID: id, UserID: m.UserID, RoleInTeam: m.RoleInTeam, IsLead: m.IsLead})
	}
	return out
}

func buildScope(id PlanID, in []DepartmentInput) []ScopeDepartment {
	out := make([]ScopeDepartment, 0, len(in))
	for _, d := range in {
		out = append(out, ScopeDepartment{
			AuditID:        id,
			DeptID:         d.DeptID,
			DeptName:       strings.TrimSpace(d.DeptName),
			SensitiveFlag:  d.SensitiveFlag,
			SensitiveAreas: slices.Clone(d.SensitiveAreas),
		})
	}
	return out
}
