package auditplan

import (
	"fmt"
	"strings"
	"time"
)

// Decision resolves a pending revision request.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision converts a decision name, matched exactly.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(raw); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", validationf("unknown decision %q", raw)
	}
}

// OpenRevisionRequest builds a pending request for auditID. existing must hold
// the plan's current requests; a pending one yields ErrDuplicatePending.
func OpenRevisionRequest(existing []RevisionRequest, id RequestID, auditID PlanID, requestedBy UserID, comment string, at time.Time) (RevisionRequest, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return RevisionRequest{}, validationf("revision request comment required")
	}
	if pending, ok := PendingRevision(existing, auditID); ok {
		return RevisionRequest{}, fmt.Errorf("%w: request %s", ErrDuplicatePending, pending.ID)
	}
	return RevisionRequest{
		ID:          id,
		AuditID:     auditID,
		RequestedBy: requestedBy,
		RequestedAt: at,
		Status:      RevisionPending,
		Comment:     comment,
	}, nil
}

// ResolveRevision moves a pending request to its terminal status.
func ResolveRevision(req RevisionRequest, decision Decision, responder UserID, comment string, at time.Time) (RevisionRequest, error) {
	if req.Status != RevisionPending {
		return RevisionRequest{}, fmt.Errorf("%w: request %s already %s", ErrInvalidTransition, req.ID, req.Status)
	}
	out := req
	switch decision {
	case DecisionApprove:
		out.Status = RevisionApproved
	case DecisionReject:
		out.Status = RevisionRejected
	default:
		return RevisionRequest{}, validationf("unknown decision %q", decision)
	}
	out.ResponseComment = strings.TrimSpace(comment)
	out.RespondedBy = responder
	respondedAt := at
	out.RespondedAt = &respondedAt
	return out, nil
}

// PendingRevision returns the outstanding request for auditID, if any.
func PendingRevision(reqs []RevisionRequest, auditID PlanID) (RevisionRequest, bool) {
	for _, r := range reqs {
		if r.AuditID == auditID && r.Status == RevisionPending {
			return r, true
		}
	}
	return RevisionRequest{}, false
}

// LatestResolved returns the most recently answered request for auditID.
func LatestResolved(reqs []RevisionRequest, auditID PlanID) (RevisionRequest, bool) {
	var latest RevisionRequest
	found := false
	for _, r := range reqs {
		if r.AuditID != auditID || r.Status == RevisionPending || r.RespondedAt == nil {
			continue
		}
		if !found || r.RespondedAt.After(*latest.RespondedAt) {
			latest = r
			found = true
		}
	}
	return latest, found
}

// canWorkOnExecution covers raising revision requests and marking checklist items.
func canWorkOnExecution(plan PlanRecord, actor Actor, roster *TeamRoster) bool {
	if actor.Role != RoleAuditor && actor.Role != RoleLeadAuditor {
		return false
	}
	return plan.CreatedBy == actor.ID || roster.IsMember(plan.ID, actor.ID)
}

// canResolveRevision: only Directors answer extension requests.
func canResolveRevision(actor Actor) bool {
	return actor.Role == RoleDirector && actor.ID != ""
}
