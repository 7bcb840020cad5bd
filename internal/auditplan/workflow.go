package auditplan

import (
	"context"
	"fmt"
)

// RevisionResolution is the outcome of answering a revision request.
type RevisionResolution struct {
	Request         RevisionRequest
	UnmarkedItemIDs []ChecklistItemID
}

// RevisionRequests lists the plan's revision requests for an actor who can see it.
func (s *Service) RevisionRequests(ctx context.Context, actor Actor, id PlanID) ([]RevisionRequest, error) {
	if _, err := s.Plan(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.FetchRevisionRequests(ctx, RevisionFilter{AuditID: id})
}

// CreateRevisionRequest raises an extension request on a running audit.
func (s *Service) CreateRevisionRequest(ctx context.Context, actor Actor, id PlanID, comment string) (RevisionRequest, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return RevisionRequest{}, err
	}
	if !CanView(plan, actor, dir) {
		return RevisionRequest{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if plan.Status != StatusInProgress {
		return RevisionRequest{}, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "revision requests need a running audit", Err: ErrInvalidTransition}
	}
	if !canWorkOnExecution(plan, actor, dir.Roster) {
		return RevisionRequest{}, &TransitionError{From: plan.Status, Role: actor.Role, Reason: "revision request", Err: ErrForbiddenActor}
	}
	pending, err := s.store.FetchRevisionRequests(ctx, RevisionFilter{AuditID: id, Status: RevisionPending})
	if err != nil {
		return RevisionRequest{}, err
	}
	now := s.now()
	req, err := OpenRevisionRequest(pending, RequestID(s.newID()), id, actor.ID, comment, now)
	if err != nil {
		return RevisionRequest{}, err
	}
	saved, err := s.store.CreateRevisionRequest(ctx, req)
	if err != nil {
		return RevisionRequest{}, err
	}
	s.recordAudit(ctx, actor, "REVISION_REQUEST_CREATE", id, map[string]any{"request_id": string(saved.ID)})
	s.publish(ctx, PlanEvent{PlanID: id, Kind: EventRevisionCreated, Status: plan.Status, At: now})
	return saved, nil
}

// ResolveRevisionRequest answers a pending request. The status change and the
// unmarking of the plan's checklist items commit together or not at all.
func (s *Service) ResolveRevisionRequest(ctx context.Context, actor Actor, requestID RequestID, decision Decision, comment string) (RevisionResolution, error) {
	if !canResolveRevision(actor) {
		return RevisionResolution{}, fmt.Errorf("%w: only directors resolve revision requests", ErrForbiddenActor)
	}
	reqs, err := s.store.FetchRevisionRequests(ctx, RevisionFilter{ID: requestID})
	if err != nil {
		return RevisionResolution{}, err
	}
	if len(reqs) == 0 {
		return RevisionResolution{}, fmt.Errorf("%w: revision request %s", ErrNotFound, requestID)
	}
	now := s.now()
	resolved, err := ResolveRevision(reqs[0], decision, actor.ID, comment, now)
	if err != nil {
		return RevisionResolution{}, err
	}
	saved, unmarked, err := s.store.CommitRevisionResolution(ctx, resolved)
	if err != nil {
		return RevisionResolution{}, err
	}
	s.recordAudit(ctx, actor, "REVISION_REQUEST_RESOLVE", saved.AuditID, map[string]any{
		"request_id": string(saved.ID),
		"decision":   string(saved.Status),
		"unmarked":   len(unmarked),
	})
	s.publish(ctx, PlanEvent{PlanID: saved.AuditID, Kind: EventRevisionResolved, At: now})
	if unmarked == nil {
		unmarked = []ChecklistItemID{}
	}
	return RevisionResolution{Request: saved, UnmarkedItemIDs: unmarked}, nil
}

// SetChecklistMark flags or clears a checklist item on a running audit.
func (s *Service) SetChecklistMark(ctx context.Context, actor Actor, id PlanID, itemID ChecklistItemID, marked bool) error {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return err
	}
	if !CanView(plan, actor, dir) {
		return fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if plan.Status != StatusInProgress {
		return &TransitionError{From: plan.Status, Role: actor.Role, Reason: "checklist marks need a running audit", Err: ErrInvalidTransition}
	}
	if !canWorkOnExecution(plan, actor, dir.Roster) {
		return &TransitionError{From: plan.Status, Role: actor.Role, Reason: "checklist mark", Err: ErrForbiddenActor}
	}
	return s.store.SetChecklistMark(ctx, id, itemID, marked)
}
