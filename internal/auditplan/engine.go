package auditplan

import (
	"slices"
	"strings"
	"time"
)

// Payload carries the caller-supplied inputs of a transition. At stamps any
// rejection so the engine never reads a clock.
type Payload struct {
	Comment string
	At      time.Time
}

type rule struct {
	from            []Status
	to              Status
	permits         func(plan PlanRecord, actor Actor, roster *TeamRoster) bool
	commentRequired bool
	rejects         RejectedBy
}

var transitions = map[Action]rule{
	ActionSubmitToLead: {
		from:    []Status{StatusDraft},
		to:      StatusPendingReview,
		permits: isCreatingAuditor,
	},
	ActionForwardToDirector: {
		from:    []Status{StatusPendingReview},
		to:      StatusPendingDirectorApproval,
		permits: isPlanLead,
	},
	ActionDeclineByLead: {
		from:            []Status{StatusPendingReview},
		to:              StatusDeclined,
		permits:         isPlanLead,
		commentRequired: true,
		rejects:         RejectedByLeadAuditor,
	},
	ActionRequestRevision: {
		from:            []Status{StatusPendingReview},
		to:              StatusDraft,
		permits:         isPlanLead,
		commentRequired: true,
	},
	ActionApproveByDirector: {
		from:    []Status{StatusPendingDirectorApproval},
		to:      StatusApproved,
		permits: isDirector,
	},
	ActionRejectByDirector: {
		from:            []Status{StatusPendingDirectorApproval},
		to:              StatusRejected,
		permits:         isDirector,
		commentRequired: true,
		rejects:         RejectedByDirector,
	},
	ActionBeginExecution: {
		from:    []Status{StatusApproved},
		to:      StatusInProgress,
		permits: isExecutor,
	},
	ActionArchivePlan: {
		from:    []Status{StatusInProgress, StatusDeclined, StatusRejected},
		to:      StatusArchived,
		permits: isSystem,
	},
}

// Authorize reports whether actor may take action on plan in its current status,
// without looking at the payload. The returned error wraps ErrInvalidTransition
// or ErrForbiddenActor.
func Authorize(plan PlanRecord, action Action, actor Actor, roster *TeamRoster) error {
	_, err := lookup(plan, action, actor, roster)
	return err
}

// Transition computes the plan that results from applying action. It is pure:
// persistence and side effects belong to the caller.
func Transition(plan PlanRecord, action Action, actor Actor, roster *TeamRoster, payload Payload) (PlanRecord, error) {
	r, err := lookup(plan, action, actor, roster)
	if err != nil {
		return PlanRecord{}, err
	}
	comment := strings.TrimSpace(payload.Comment)
	if r.commentRequired && comment == "" {
		return PlanRecord{}, &TransitionError{Action: action, From: plan.Status, Role: actor.Role, Reason: "comment required", Err: ErrValidation}
	}
	next := plan.Clone()
	next.Status = r.to
	next.Rejection = nil
	if r.rejects != "" {
		next.Rejection = &Rejection{Comment: comment, By: r.rejects, At: payload.At}
	}
	return next, nil
}

// TargetStatus returns the status action leads to.
func TargetStatus(action Action) (Status, bool) {
	r, ok := transitions[action]
	return r.to, ok
}

// SourceStatuses returns the statuses action may be taken from.
func SourceStatuses(action Action) []Status {
	return slices.Clone(transitions[action].from)
}

func lookup(plan PlanRecord, action Action, actor Actor, roster *TeamRoster) (rule, error) {
	r, ok := transitions[action]
	if !ok {
		return rule{}, &TransitionError{Action: action, From: plan.Status, Role: actor.Role, Reason: "unknown action", Err: ErrInvalidTransition}
	}
	if !slices.Contains(r.from, plan.Status) {
		return rule{}, &TransitionError{Action: action, From: plan.Status, Role: actor.Role, Err: ErrInvalidTransition}
	}
	if !actor.valid() || !r.permits(plan, actor, roster) {
		return rule{}, &TransitionError{Action: action, From: plan.Status, Role: actor.Role, Err: ErrForbiddenActor}
	}
	return r, nil
}

func isCreatingAuditor(plan PlanRecord, actor Actor, _ *TeamRoster) bool {
	return actor.Role == RoleAuditor && actor.ID == plan.CreatedBy
}

func isPlanLead(plan PlanRecord, actor Actor, roster *TeamRoster) bool {
	return actor.Role == RoleLeadAuditor && roster.IsLeadOf(plan.ID, actor.ID)
}

func isDirector(_ PlanRecord, actor Actor, _ *TeamRoster) bool {
	return actor.Role == RoleDirector
}

func isExecutor(plan PlanRecord, actor Actor, roster *TeamRoster) bool {
	if actor.Role == RoleSystem {
		return true
	}
	return actor.Role == RoleAuditor && (actor.ID == plan.CreatedBy || roster.IsMember(plan.ID, actor.ID))
}

func isSystem(_ PlanRecord, actor Actor, _ *TeamRoster) bool {
	return actor.Role == RoleSystem
}
