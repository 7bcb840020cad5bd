package auditplan

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

// RevisionFilter narrows FetchRevisionRequests; zero fields are ignored.
type RevisionFilter struct {
	ID      RequestID
	AuditID PlanID
	Status  RevisionStatus
}

// Store is the persistence collaborator. Implementations return ErrNotFound for
// absent rows and ErrConcurrentModification when a guarded write loses a race.
type Store interface {
	FetchPlans(ctx context.Context) ([]PlanRecord, error)
	FetchPlan(ctx context.Context, id PlanID) (PlanRecord, error)
	FetchTeam(ctx context.Context, auditID PlanID) ([]TeamMember, error)
	FetchScopeDepartments(ctx context.Context, auditID PlanID) ([]ScopeDepartment, error)
	FetchChecklistMarks(ctx context.Context, auditID PlanID) ([]ChecklistItemMark, error)
	SetChecklistMark(ctx context.Context, auditID PlanID, itemID ChecklistItemID, marked bool) error
	FetchRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error)

	// CommitTransition writes newStatus only if the stored status still equals expected.
	CommitTransition(ctx context.Context, id PlanID, expected Status, newStatus Status, rejection *Rejection) (PlanRecord, error)
	// CommitRevisionResolution stores the resolved request and unmarks every
	// checklist item of its plan in one unit.
	CommitRevisionResolution(ctx context.Context, resolved RevisionRequest) (RevisionRequest, []ChecklistItemID, error)

	CreatePlan(ctx context.Context, plan PlanRecord, team []TeamMember, depts []ScopeDepartment) (PlanRecord, error)
	ReplaceTeam(ctx context.Context, id PlanID, expected Status, members []TeamMember) error
	ReplaceScope(ctx context.Context, id PlanID, expected Status, depts []ScopeDepartment) error
	CreateRevisionRequest(ctx context.Context, req RevisionRequest) (RevisionRequest, error)
}

// ApprovalPort records and lists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort reserves request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// TransitionObserver receives transition outcomes for metrics.
type TransitionObserver interface {
	ObserveTransition(action, outcome string)
}
