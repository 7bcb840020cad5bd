package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLifecycleSweep starts due plans and archives finished or rejected ones.
	TaskLifecycleSweep = "auditplan:lifecycle-sweep"
)

// sweepUniqueTTL keeps a manual trigger from stacking on top of a cron run.
const sweepUniqueTTL = 10 * time.Minute

// LifecycleSweepPayload describes who asked for a sweep.
type LifecycleSweepPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewLifecycleSweepTask constructs an Asynq task.
func NewLifecycleSweepTask(requestedBy string) (*asynq.Task, error) {
	data, err := json.Marshal(LifecycleSweepPayload{RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLifecycleSweep, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	), nil
}
