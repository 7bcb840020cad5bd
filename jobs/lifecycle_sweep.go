package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	jobmetrics "github.com/odyssey-erp/odyssey-audit/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SweepRunner applies due lifecycle transitions.
type SweepRunner interface {
	RunLifecycleSweep(ctx context.Context, policy auditplan.SweepPolicy) (auditplan.SweepReport, error)
}

// KeyPruner drops idempotency keys older than the retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LifecycleSweepJob runs the scheduled plan lifecycle sweep. When Keys is set,
// idempotency keys older than KeyRetention are pruned after a successful sweep.
type LifecycleSweepJob struct {
	Runner       SweepRunner
	Policy       auditplan.SweepPolicy
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	Keys         KeyPruner
	KeyRetention time.Duration
}

// NewLifecycleSweepJob constructs the job handler.
func NewLifecycleSweepJob(runner SweepRunner, policy auditplan.SweepPolicy, logger *slog.Logger, metrics *jobmetrics.Metrics) *LifecycleSweepJob {
	return &LifecycleSweepJob{Runner: runner, Policy: policy, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep. A failed run is retried by Asynq; plans already
// moved by the failed attempt are simply no longer due.
func (j *LifecycleSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("lifecycle sweep: dependencies not configured")
	}
	var payload LifecycleSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskLifecycleSweep)
	start := time.Now()
	report, err := j.Runner.RunLifecycleSweep(ctx, j.Policy)
	j.metrics().AddSweepOutcomes("started", report.Started)
	j.metrics().AddSweepOutcomes("archived", report.Archived)
	j.metrics().AddSweepOutcomes("skipped", report.Skipped)
	if err != nil {
		j.log().Error("lifecycle sweep", slog.String("requested_by", payload.RequestedBy), slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("lifecycle sweep finished",
		slog.String("requested_by", payload.RequestedBy),
		slog.Int("started", report.Started),
		slog.Int("archived", report.Archived),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", time.Since(start)))
	j.pruneKeys(ctx)
	return tracker.End(nil)
}

// pruneKeys failures are logged only; the next run retries them.
func (j *LifecycleSweepJob) pruneKeys(ctx context.Context) {
	if j.Keys == nil || j.KeyRetention <= 0 {
		return
	}
	removed, err := j.Keys.Cleanup(ctx, j.KeyRetention)
	if err != nil {
		j.log().Warn("prune idempotency keys", slog.Any("error", err))
		return
	}
	if removed > 0 {
		j.log().Info("pruned idempotency keys", slog.Int64("removed", removed))
	}
}

func (j *LifecycleSweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LifecycleSweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLifecycleSweep))
	}
	return slog.Default().With(slog.String("job", TaskLifecycleSweep))
}
