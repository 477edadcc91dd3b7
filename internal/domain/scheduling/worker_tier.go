package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// WorkOutcome is the producer's view of what the worker tier did with a
// dispatched job.
type WorkOutcome string

const (
	// WorkOutcomeMissing means the worker tier holds no item for the job.
	WorkOutcomeMissing WorkOutcome = "MISSING"
	// WorkOutcomePending covers every non-terminal worker state.
	WorkOutcomePending  WorkOutcome = "PENDING"
	WorkOutcomeDone     WorkOutcome = "DONE"
	WorkOutcomeFailed   WorkOutcome = "FAILED"
	WorkOutcomeCanceled WorkOutcome = "CANCELED"
)

// IsTerminal reports whether the worker tier finished with the job.
func (o WorkOutcome) IsTerminal() bool {
	return o == WorkOutcomeDone || o == WorkOutcomeFailed || o == WorkOutcomeCanceled
}

// WorkerTier is how the producer hands jobs to the worker fleet and reads
// back their outcome. Implementations only touch the shared store; the tiers
// never call each other directly.
type WorkerTier interface {
	// Handoff makes the job claimable by worker instances. Handing off a job
	// that already has a live work item is a no-op.
	Handoff(ctx context.Context, job *Job) error

	// RequestCancel forwards a cancel request. Unknown or finished work is a no-op.
	RequestCancel(ctx context.Context, jobID uuid.UUID) error

	// Outcome reports the worker-side state of the job.
	Outcome(ctx context.Context, jobID uuid.UUID) (WorkOutcome, error)
}
