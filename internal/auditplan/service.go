package auditplan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

const (
	approvalModule    = "AUDIT_PLAN"
	idempotencyModule = "auditplan.action"
	auditEntity       = "audit_plan"
	snapshotTimeout   = 30 * time.Second
)

// Service is the entry point for UI and automation callers.
type Service struct {
	store       Store
	approvals   ApprovalPort
	audit       AuditPort
	idempotency IdempotencyPort
	events      Publisher
	observer    TransitionObserver
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	concurrency int
	snapshots   singleflight.Group
	// snapshotGen keys the list-load flight; bumped after every committed write
	// so a read issued after the write never joins a load that began before it.
	snapshotGen atomic.Uint64
}

// NewService constructs the audit plan service. Only store is mandatory.
func NewService(store Store, approvals ApprovalPort, audit AuditPort, idem IdempotencyPort, events Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:       store,
		approvals:   approvals,
		audit:       audit,
		idempotency: idem,
		events:      events,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		concurrency: 8,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithIDGenerator overrides identifier generation.
func (s *Service) WithIDGenerator(fn func() string) {
	if fn != nil {
		s.newID = fn
	}
}

// WithObserver attaches transition metrics.
func (s *Service) WithObserver(o TransitionObserver) {
	s.observer = o
}

// WithDetailConcurrency bounds parallel roster/scope loads.
func (s *Service) WithDetailConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// InvalidateSnapshots makes subsequent list loads start a fresh read instead of
// joining one already in flight. Writes committed by this service call it
// themselves; the server also calls it for events relayed from other processes.
func (s *Service) InvalidateSnapshots() {
	s.snapshotGen.Add(1)
}

// VisiblePlansFor returns every plan the actor may see, from authoritative state.
func (s *Service) VisiblePlansFor(ctx context.Context, actor Actor) ([]PlanRecord, error) {
	if !actor.valid() {
		return nil, ErrForbiddenActor
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return VisiblePlans(snap.plans, actor, snap.dir), nil
}

// Plan returns a single plan; plans the actor cannot see are reported as ErrNotFound.
func (s *Service) Plan(ctx context.Context, actor Actor, id PlanID) (PlanRecord, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return PlanRecord{}, err
	}
	if !CanView(plan, actor, dir) {
		return PlanRecord{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	return plan, nil
}

// AllowedActionsFor lists the actions offered to actor on the current stored plan.
func (s *Service) AllowedActionsFor(ctx context.Context, actor Actor, id PlanID) ([]Action, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(plan, actor, dir) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	return AllowedActions(plan, actor, dir), nil
}

// CanAct reports whether action is offered to actor on the current stored plan.
func (s *Service) CanAct(ctx context.Context, actor Actor, id PlanID, action Action) (bool, error) {
	plan, dir, err := s.loadPlan(ctx, id)
	if err != nil {
		return false, err
	}
	return CanAct(plan, actor, action, dir), nil
}

// ActionRequest is a transition request from a caller. ExpectedStatus, when set,
// is the status the caller's view was showing.
type ActionRequest struct {
	PlanID         PlanID
	Action         Action
	Comment        string
	ExpectedStatus Status
	IdempotencyKey string
}

// ApplyAction validates the transition against the authoritative plan and
// commits it guarded by the status it was computed from.
func (s *Service) ApplyAction(ctx context.Context, actor Actor, req ActionRequest) (PlanRecord, error) {
	plan, dir, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		s.observe(req.Action, err)
		return PlanRecord{}, err
	}
	if req.ExpectedStatus != "" && req.ExpectedStatus != plan.Status {
		err := fmt.Errorf("%w: plan %s is %s, caller saw %s", ErrConcurrentModification, plan.ID, plan.Status, req.ExpectedStatus)
		s.observe(req.Action, err)
		return PlanRecord{}, err
	}
	now := s.now()
	next, err := Transition(plan, req.Action, actor, dir.Roster, Payload{Comment: req.Comment, At: now})
	if err != nil {
		s.observe(req.Action, err)
		return PlanRecord{}, err
	}
	key, err := s.reserve(ctx, plan.ID, req.IdempotencyKey)
	if err != nil {
		s.observe(req.Action, err)
		return PlanRecord{}, err
	}
	committed, err := s.store.CommitTransition(ctx, plan.ID, plan.Status, next.Status, next.Rejection)
	if err != nil {
		s.release(ctx, key)
		s.observe(req.Action, err)
		return PlanRecord{}, err
	}
	s.observe(req.Action, nil)
	comment := strings.TrimSpace(req.Comment)
	s.recordApproval(ctx, committed.ID, actor, req.Action, comment, now)
	s.recordAudit(ctx, actor, "PLAN_TRANSITION", committed.ID, map[string]any{
		"action":  string(req.Action),
		"from":    string(plan.Status),
		"to":      string(committed.Status),
		"comment": comment,
	})
	s.publish(ctx, PlanEvent{PlanID: committed.ID, Kind: EventPlanTransitioned, Status: committed.Status, At: now})
	return committed, nil
}

// History returns the approval trail of a plan, oldest first.
func (s *Service) History(ctx context.Context, actor Actor, id PlanID) ([]shared.ApprovalLog, error) {
	if _, err := s.Plan(ctx, actor, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, approvalModule, approvalRef(id))
}

// PlanDetail bundles everything a plan modal shows.
type PlanDetail struct {
	Plan             PlanRecord
	Team             []TeamMember
	Departments      []ScopeDepartment
	ChecklistMarks   []ChecklistItemMark
	RevisionRequests []RevisionRequest
	AllowedActions   []Action
}

// PlanDetail loads the plan's team, departments, checklist marks and revision
// requests concurrently. It is read-only; cancelling ctx abandons the load.
func (s *Service) PlanDetail(ctx context.Context, actor Actor, id PlanID) (PlanDetail, error) {
	plan, err := s.store.FetchPlan(ctx, id)
	if err != nil {
		return PlanDetail{}, err
	}
	detail := PlanDetail{Plan: plan}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		team, err := s.store.FetchTeam(gctx, id)
		detail.Team = team
		return err
	})
	g.Go(func() error {
		depts, err := s.store.FetchScopeDepartments(gctx, id)
		detail.Departments = depts
		return err
	})
	g.Go(func() error {
		marks, err := s.store.FetchChecklistMarks(gctx, id)
		detail.ChecklistMarks = marks
		return err
	})
	g.Go(func() error {
		reqs, err := s.store.FetchRevisionRequests(gctx, RevisionFilter{AuditID: id})
		detail.RevisionRequests = reqs
		return err
	})
	if err := g.Wait(); err != nil {
		return PlanDetail{}, fmt.Errorf("auditplan: load detail %s: %w", id, err)
	}
	dir := Directory{Roster: NewTeamRoster(detail.Team), Scopes: NewScopeRegistry(detail.Departments)}
	if !CanView(plan, actor, dir) {
		return PlanDetail{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	detail.AllowedActions = AllowedActions(plan, actor, dir)
	return detail, nil
}

type snapshot struct {
	plans []PlanRecord
	dir   Directory
}

// loadSnapshot coalesces concurrent list loads of the same generation into one
// round of store reads.
func (s *Service) loadSnapshot(ctx context.Context) (snapshot, error) {
	key := "plans:" + strconv.FormatUint(s.snapshotGen.Load(), 10)
	ch := s.snapshots.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()
		plans, err := s.store.FetchPlans(sctx)
		if err != nil {
			return snapshot{}, fmt.Errorf("auditplan: fetch plans: %w", err)
		}
		dir, err := s.loadDirectory(sctx, plans)
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{plans: plans, dir: dir}, nil
	})
	select {
	case <-ctx.Done():
		return snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return snapshot{}, res.Err
		}
		return res.Val.(snapshot), nil
	}
}

func (s *Service) loadPlan(ctx context.Context, id PlanID) (PlanRecord, Directory, error) {
	plan, err := s.store.FetchPlan(ctx, id)
	if err != nil {
		return PlanRecord{}, Directory{}, err
	}
	dir, err := s.loadDirectory(ctx, []PlanRecord{plan})
	if err != nil {
		return PlanRecord{}, Directory{}, err
	}
	return plan, dir, nil
}

func (s *Service) loadDirectory(ctx context.Context, plans []PlanRecord) (Directory, error) {
	teams := make([][]TeamMember, len(plans))
	depts := make([][]ScopeDepartment, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range plans {
		g.Go(func() error {
			team, err := s.store.FetchTeam(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("auditplan: fetch team %s: %w", p.ID, err)
			}
			teams[i] = team
			return nil
		})
		g.Go(func() error {
			rows, err := s.store.FetchScopeDepartments(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("auditplan: fetch departments %s: %w", p.ID, err)
			}
			depts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Directory{}, err
	}
	return Directory{
		Roster: NewTeamRoster(slices.Concat(teams...)),
		Scopes: NewScopeRegistry(slices.Concat(depts...)),
	}, nil
}

func (s *Service) reserve(ctx context.Context, id PlanID, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.idempotency == nil {
		return "", nil
	}
	scoped := fmt.Sprintf("auditplan:%s:%s", id, key)
	if err := s.idempotency.CheckAndInsert(ctx, scoped, idempotencyModule); err != nil {
		return "", err
	}
	return scoped, nil
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) observe(action Action, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveTransition(string(action), Outcome(err))
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrForbiddenActor):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrDuplicatePending):
		return "duplicate_pending"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate_request"
	default:
		return "error"
	}
}

var approvalActions = map[Action]shared.ApprovalAction{
	ActionSubmitToLead:      shared.ApprovalSubmit,
	ActionForwardToDirector: shared.ApprovalForward,
	ActionDeclineByLead:     shared.ApprovalReject,
	ActionRequestRevision:   shared.ApprovalReturn,
	ActionApproveByDirector: shared.ApprovalApprove,
	ActionRejectByDirector:  shared.ApprovalReject,
	ActionBeginExecution:    shared.ApprovalStart,
	ActionArchivePlan:       shared.ApprovalArchive,
}

func approvalRef(id PlanID) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(approvalModule+":"+string(id)))
}

func (s *Service) recordApproval(ctx context.Context, id PlanID, actor Actor, action Action, comment string, at time.Time) {
	if s.approvals == nil {
		return
	}
	note := string(action)
	if comment != "" {
		note += ": " + comment
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   approvalRef(id),
		ActorID: string(actor.ID),
		Action:  approvalActions[action],
		Note:    note,
		At:      at,
	})
	if err != nil {
		s.logger.Error("record plan approval", slog.String("plan_id", string(id)), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor Actor, action string, id PlanID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: string(actor.ID), Action: action, Entity: auditEntity, EntityID: string(id), Meta: meta})
	if err != nil {
		s.logger.Error("record plan audit", slog.String("plan_id", string(id)), slog.Any("error", err))
	}
}

// publish runs after every committed write.
func (s *Service) publish(ctx context.Context, evt PlanEvent) {
	s.InvalidateSnapshots()
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish plan event", slog.String("plan_id", string(evt.PlanID)), slog.Any("error", err))
	}
}
