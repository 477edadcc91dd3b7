package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobQueueReader is the read side of the producer queue that scheduling
// strategies consult.
type JobQueueReader interface {
	// FindOldestReadyJob returns the READY_TO_START job with the earliest
	// creation time whose project is not in excludedProjects. found is false
	// when no such job exists.
	FindOldestReadyJob(ctx context.Context, excludedProjects []string) (jobID uuid.UUID, found bool, err error)

	// ListActiveProjects returns the distinct projects that currently hold a
	// job in an active status.
	ListActiveProjects(ctx context.Context) ([]string, error)
}

// JobRepository persists producer-side jobs.
type JobRepository interface {
	JobQueueReader

	// CreateJob inserts a new job. The job's version is set to the stored value.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob loads a job or returns ErrJobNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJob writes the job only if the stored version still equals
	// job.Version(), then bumps the version. A mismatch returns
	// ErrJobVersionConflict and nothing is written.
	UpdateJob(ctx context.Context, job *Job) error

	// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
	ListJobsByStatus(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error)

	// DeleteTerminalEndedBefore removes ENDED and CANCELED jobs whose end
	// time is before cutoff and returns the number removed.
	DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
