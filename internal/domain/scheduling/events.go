package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/events"
)

const (
	EventTypeJobSubmitted       events.EventType = "JobSubmitted"
	EventTypeJobReadyToStart    events.EventType = "JobReadyToStart"
	EventTypeJobStarted         events.EventType = "JobStarted"
	EventTypeJobCancelRequested events.EventType = "JobCancelRequested"
	EventTypeJobCanceled        events.EventType = "JobCanceled"
	EventTypeJobPaused          events.EventType = "JobPaused"
	EventTypeJobResumed         events.EventType = "JobResumed"
	EventTypeJobEnded           events.EventType = "JobEnded"
)

// JobLifecycleEvent is published whenever a job changes status.
type JobLifecycleEvent struct {
	Type      events.EventType `json:"type"`
	JobID     uuid.UUID        `json:"job_id"`
	ProjectID string           `json:"project_id"`
	Status    JobStatus        `json:"status"`
	Result    JobResult        `json:"result"`
	Actor     string           `json:"actor,omitempty"`
	At        time.Time        `json:"occurred_at"`
}

// NewJobLifecycleEvent snapshots the job into an event of the given type.
func NewJobLifecycleEvent(t events.EventType, job *Job, actor string) JobLifecycleEvent {
	return JobLifecycleEvent{
		Type:      t,
		JobID:     job.JobID(),
		ProjectID: job.ProjectID(),
		Status:    job.Status(),
		Result:    job.Result(),
		Actor:     actor,
		At:        time.Now().UTC(),
	}
}

func (e JobLifecycleEvent) EventType() events.EventType { return e.Type }
func (e JobLifecycleEvent) OccurredAt() time.Time       { return e.At }
