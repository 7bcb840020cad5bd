package auditplan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

func drain(ch <-chan PlanEvent) []PlanEvent {
	var out []PlanEvent
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestScenarioSubmitAndForward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events, cancel := f.broker.Subscribe()
	defer cancel()

	plan, err := f.service.CreatePlan(ctx, auditorU1, CreatePlanInput{
		Title:     "Cash handling",
		Scope:     ScopeDepartmental,
		StartDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		Team: []TeamMemberInput{
			{UserID: leadL1.ID, RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
		},
		Departments: []DepartmentInput{{DeptID: "D7", DeptName: "Finance"}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, plan.Status)
	require.Equal(t, auditorU1.ID, plan.CreatedBy)

	submitted, err := f.service.ApplyAction(ctx, auditorU1, ActionRequest{PlanID: plan.ID, Action: ActionSubmitToLead})
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, submitted.Status)

	forwarded, err := f.service.ApplyAction(ctx, leadL1, ActionRequest{PlanID: plan.ID, Action: ActionForwardToDirector, Comment: "ok"})
	require.NoError(t, err)
	require.Equal(t, StatusPendingDirectorApproval, forwarded.Status)
	require.Nil(t, forwarded.Rejection)

	history, err := f.service.History(ctx, auditorU1, plan.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, shared.ApprovalSubmit, history[0].Action)
	require.Equal(t, shared.ApprovalForward, history[1].Action)
	require.Equal(t, "ForwardToDirector: ok", history[1].Note)
	require.Equal(t, string(leadL1.ID), history[1].ActorID)

	kinds := []EventKind{}
	for _, evt := range drain(events) {
		require.Equal(t, plan.ID, evt.PlanID)
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []EventKind{EventPlanCreated, EventPlanTransitioned, EventPlanTransitioned}, kinds)
	require.Equal(t, []string{"PLAN_CREATE", "PLAN_TRANSITION", "PLAN_TRANSITION"}, f.audit.actions())
}

func TestApplyActionOutsiderForbidden(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusDraft)

	_, err := f.service.ApplyAction(context.Background(), auditorU2, ActionRequest{PlanID: "P1", Action: ActionSubmitToLead})
	require.ErrorIs(t, err, ErrForbiddenActor)
	require.Equal(t, StatusDraft, f.store.plan("P1").Status)
	require.Empty(t, f.approvals.logs)
}

func TestApplyActionExpectedStatusMismatch(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusPendingReview)

	_, err := f.service.ApplyAction(context.Background(), leadL1, ActionRequest{
		PlanID:         "P1",
		Action:         ActionDeclineByLead,
		Comment:        "incomplete scope",
		ExpectedStatus: StatusDraft,
	})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, StatusPendingReview, f.store.plan("P1").Status)
}

func TestApplyActionLosesRaceAtCommit(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusPendingDirectorApproval)
	observer := &countingObserver{}
	f.service.WithObserver(observer)

	// Another director rejects between our read and our write.
	f.store.beforeCommit = func() { f.store.setStatus("P1", StatusRejected) }

	_, err := f.service.ApplyAction(context.Background(), directorD1, ActionRequest{PlanID: "P1", Action: ActionApproveByDirector})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, StatusRejected, f.store.plan("P1").Status)
	require.Equal(t, 1, observer.outcomes["ApproveByDirector/conflict"])
	require.Empty(t, f.approvals.logs)
}

func TestApplyActionIdempotencyKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedPlan("P1", StatusPendingDirectorApproval)
	observer := &countingObserver{}
	f.service.WithObserver(observer)

	require.NoError(t, f.idem.CheckAndInsert(ctx, "auditplan:P1:retry-1", idempotencyModule))
	_, err := f.service.ApplyAction(ctx, directorD1, ActionRequest{PlanID: "P1", Action: ActionApproveByDirector, IdempotencyKey: "retry-1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, StatusPendingDirectorApproval, f.store.plan("P1").Status)
	require.Equal(t, 1, observer.outcomes["ApproveByDirector/duplicate_request"])

	approved, err := f.service.ApplyAction(ctx, directorD1, ActionRequest{PlanID: "P1", Action: ActionApproveByDirector, IdempotencyKey: "retry-2"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Contains(t, f.idem.keys, "auditplan:P1:retry-2")
}

func TestApplyActionReleasesKeyWhenCommitFails(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusPendingDirectorApproval)
	f.store.commitErr = errors.New("connection reset")

	_, err := f.service.ApplyAction(context.Background(), directorD1, ActionRequest{PlanID: "P1", Action: ActionApproveByDirector, IdempotencyKey: "k"})
	require.EqualError(t, err, "connection reset")
	require.Empty(t, f.idem.keys)
	require.Equal(t, "error", Outcome(err))
}

func TestApplyActionUnknownPlan(t *testing.T) {
	f := newFixture()
	_, err := f.service.ApplyAction(context.Background(), directorD1, ActionRequest{PlanID: "nope", Action: ActionApproveByDirector})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPlanHidesInvisiblePlans(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedPlan("P1", StatusDraft)
	f.seedPlan("P2", StatusApproved)

	_, err := f.service.Plan(ctx, ownerD7, "P1")
	require.ErrorIs(t, err, ErrNotFound)

	plan, err := f.service.Plan(ctx, ownerD7, "P2")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, plan.Status)

	_, err = f.service.Plan(ctx, ownerD9, "P2")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.service.History(ctx, ownerD9, "P2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVisiblePlansFor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedPlan("P1", StatusDraft)
	f.seedPlan("P2", StatusPendingDirectorApproval)
	f.seedPlan("P3", StatusInProgress)

	plans, err := f.service.VisiblePlansFor(ctx, directorD1)
	require.NoError(t, err)
	require.Equal(t, []PlanID{"P2", "P3"}, planIDs(plans))

	again, err := f.service.VisiblePlansFor(ctx, directorD1)
	require.NoError(t, err)
	require.Equal(t, plans, again)

	_, err = f.service.VisiblePlansFor(ctx, Actor{Role: RoleDirector})
	require.ErrorIs(t, err, ErrForbiddenActor)
}

func TestVisiblePlansForHonoursCancellation(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusDraft)
	gate := newGatedStore(f.store)
	t.Cleanup(gate.open)
	svc := NewService(gate, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := svc.VisiblePlansFor(ctx, auditorU1)
		errs <- err
	}()
	<-gate.read
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
}

type listResult struct {
	plans []PlanRecord
	err   error
}

func listAsync(svc *Service, actor Actor) <-chan listResult {
	out := make(chan listResult, 1)
	go func() {
		plans, err := svc.VisiblePlansFor(context.Background(), actor)
		out <- listResult{plans: plans, err: err}
	}()
	return out
}

func TestVisiblePlansForAfterCommitDoesNotJoinEarlierLoad(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusDraft)
	gate := newGatedStore(f.store)
	t.Cleanup(gate.open)
	svc := NewService(gate, nil, nil, nil, nil, nil)

	// This load has read P1 as Draft and is still running.
	early := listAsync(svc, auditorU1)
	<-gate.read

	submitted, err := svc.ApplyAction(context.Background(), auditorU1, ActionRequest{PlanID: "P1", Action: ActionSubmitToLead})
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, submitted.Status)

	late := listAsync(svc, auditorU1)
	var res listResult
	select {
	case res = <-late:
	case <-time.After(2 * time.Second):
		gate.open()
		res = <-late
	}
	require.NoError(t, res.err)
	require.Len(t, res.plans, 1)
	require.Equal(t, StatusPendingReview, res.plans[0].Status)

	gate.open()
	stale := <-early
	require.NoError(t, stale.err)
	require.Equal(t, StatusDraft, stale.plans[0].Status)
}

func TestInvalidateSnapshotsStartsFreshLoad(t *testing.T) {
	f := newFixture()
	f.seedPlan("P1", StatusApproved)
	gate := newGatedStore(f.store)
	t.Cleanup(gate.open)
	svc := NewService(gate, nil, nil, nil, nil, nil)

	early := listAsync(svc, auditorU1)
	<-gate.read
	// A write committed by another process, announced through the relay.
	f.store.setStatus("P1", StatusInProgress)
	svc.InvalidateSnapshots()

	res := <-listAsync(svc, auditorU1)
	require.NoError(t, res.err)
	require.Equal(t, StatusInProgress, res.plans[0].Status)

	gate.open()
	require.NoError(t, (<-early).err)
}

func TestAllowedActionsForAndCanAct(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedPlan("P1", StatusPendingReview)

	actions, err := f.service.AllowedActionsFor(ctx, leadL1, "P1")
	require.NoError(t, err)
	require.Equal(t, []Action{ActionForwardToDirector, ActionDeclineByLead, ActionRequestRevision}, actions)

	_, err = f.service.AllowedActionsFor(ctx, directorD1, "P1")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := f.service.CanAct(ctx, leadL1, "P1", ActionDeclineByLead)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.service.CanAct(ctx, auditorU1, "P1", ActionDeclineByLead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPlanDetail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedPlan("P1", StatusInProgress)
	f.store.setMarks("P1",
		ChecklistItemMark{ItemID: "C1", AuditID: "P1", IsMarked: true},
		ChecklistItemMark{ItemID: "C2", AuditID: "P1"},
	)
	f.store.addRevision(RevisionRequest{ID: "R1", AuditID: "P1", Status: RevisionPending, Comment: "extend"})

	detail, err := f.service.PlanDetail(ctx, memberU3, "P1")
	require.NoError(t, err)
	require.Equal(t, PlanID("P1"), detail.Plan.ID)
	require.Len(t, detail.Team, 2)
	require.Len(t, detail.Departments, 1)
	require.Len(t, detail.ChecklistMarks, 2)
	require.Len(t, detail.RevisionRequests, 1)
	require.Empty(t, detail.AllowedActions)

	_, err = f.service.PlanDetail(ctx, auditorU2, "P1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.service.PlanDetail(ctx, memberU3, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "invalid_transition", Outcome(&TransitionError{Err: ErrInvalidTransition}))
	require.Equal(t, "forbidden", Outcome(ErrForbiddenActor))
	require.Equal(t, "validation", Outcome(validationf("x")))
	require.Equal(t, "conflict", Outcome(ErrConcurrentModification))
	require.Equal(t, "duplicate_request", Outcome(shared.ErrIdempotencyConflict))
	require.Equal(t, "duplicate_pending", Outcome(ErrDuplicatePending))
	require.Equal(t, "not_found", Outcome(ErrNotFound))
}

func TestApprovalRefIsStable(t *testing.T) {
	require.Equal(t, approvalRef("P1"), approvalRef("P1"))
	require.NotEqual(t, approvalRef("P1"), approvalRef("P2"))
}
