package auditplan

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepPolicy configures the scheduled lifecycle sweep.
type SweepPolicy struct {
	// ExecutionGrace is how long an InProgress plan may run past its end date.
	ExecutionGrace time.Duration
	// ArchiveAfter is how long Declined and Rejected plans stay visible before archiving.
	ArchiveAfter time.Duration
}

// ScheduledAction is one transition the sweep wants to apply.
type ScheduledAction struct {
	PlanID PlanID
	Action Action
	From   Status
}

// DueLifecycleActions picks the automatic transitions that are due at now.
func DueLifecycleActions(plans []PlanRecord, now time.Time, policy SweepPolicy) []ScheduledAction {
	today := truncateDay(now)
	var out []ScheduledAction
	for _, p := range plans {
		switch p.Status {
		case StatusApproved:
			if !p.StartDate.IsZero() && !truncateDay(p.StartDate).After(today) {
				out = append(out, ScheduledAction{PlanID: p.ID, Action: ActionBeginExecution, From: p.Status})
			}
		case StatusInProgress:
			if !p.EndDate.IsZero() && now.After(truncateDay(p.EndDate).AddDate(0, 0, 1).Add(policy.ExecutionGrace)) {
				out = append(out, ScheduledAction{PlanID: p.ID, Action: ActionArchivePlan, From: p.Status})
			}
		case StatusDeclined, StatusRejected:
			if policy.ArchiveAfter > 0 && p.Rejection != nil && now.Sub(p.Rejection.At) > policy.ArchiveAfter {
				out = append(out, ScheduledAction{PlanID: p.ID, Action: ActionArchivePlan, From: p.Status})
			}
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	Started  int
	Archived int
	Skipped  int
}

// RunLifecycleSweep applies due automatic transitions as the system actor.
// Plans that moved under the sweep are skipped; other failures abort the run.
func (s *Service) RunLifecycleSweep(ctx context.Context, policy SweepPolicy) (SweepReport, error) {
	var report SweepReport
	plans, err := s.store.FetchPlans(ctx)
	if err != nil {
		return report, err
	}
	actor := SystemActor()
	for _, due := range DueLifecycleActions(plans, s.now(), policy) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, err := s.ApplyAction(ctx, actor, ActionRequest{PlanID: due.PlanID, Action: due.Action, ExpectedStatus: due.From})
		switch {
		case err == nil:
			if due.Action == ActionBeginExecution {
				report.Started++
			} else {
				report.Archived++
			}
		case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			report.Skipped++
			s.logger.Info("lifecycle sweep skipped plan", slog.String("plan_id", string(due.PlanID)), slog.String("action", string(due.Action)), slog.Any("error", err))
		default:
			return report, err
		}
	}
	return report, nil
}
