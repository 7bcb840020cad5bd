package auditplan

import "fmt"

// Status is the closed set of plan lifecycle states.
type Status string

const (
	StatusDraft                   Status = "DRAFT"
	StatusPendingReview           Status = "PENDING_REVIEW"
	StatusPendingDirectorApproval Status = "PENDING_DIRECTOR_APPROVAL"
	StatusApproved                Status = "APPROVED"
	StatusInProgress              Status = "IN_PROGRESS"
	StatusDeclined                Status = "DECLINED"
	StatusRejected                Status = "REJECTED"
	StatusArchived                Status = "ARCHIVED"
)

var allStatuses = []Status{
	StatusDraft,
	StatusPendingReview,
	StatusPendingDirectorApproval,
	StatusApproved,
	StatusInProgress,
	StatusDeclined,
	StatusRejected,
	StatusArchived,
}

// Statuses lists every lifecycle state in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Valid reports whether s belongs to the closed set.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Published reports whether the plan is visible to auditees.
func (s Status) Published() bool {
	return s == StatusApproved || s == StatusInProgress
}

// ParseStatus converts a stored status code. Only canonical codes are accepted;
// legacy spellings are handled by DecodeLegacyPlans.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// Action names a lifecycle transition.
type Action string

const (
	ActionSubmitToLead      Action = "SubmitToLead"
	ActionForwardToDirector Action = "ForwardToDirector"
	ActionDeclineByLead     Action = "DeclineByLead"
	ActionRequestRevision   Action = "RequestRevision"
	ActionApproveByDirector Action = "ApproveByDirector"
	ActionRejectByDirector  Action = "RejectByDirector"
	ActionBeginExecution    Action = "BeginExecution"
	ActionArchivePlan       Action = "ArchivePlan"
)

var allActions = []Action{
	ActionSubmitToLead,
	ActionForwardToDirector,
	ActionDeclineByLead,
	ActionRequestRevision,
	ActionApproveByDirector,
	ActionRejectByDirector,
	ActionBeginExecution,
	ActionArchivePlan,
}

// Actions lists every action in table order.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// ParseAction converts an action name, matched exactly.
func ParseAction(raw string) (Action, error) {
	for _, a := range allActions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, raw)
}
