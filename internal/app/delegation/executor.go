package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
)

// Executor runs a claimed work item. It is the boundary to the scanner
// adapters, which live outside this module. Execute must return exactly
// once per request.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ExecutionRequest identifies the job to run and gives the backend a
// cooperative cancellation checkpoint.
type ExecutionRequest struct {
	JobID uuid.UUID

	checkpoint func(ctx context.Context) error
}

// Checkpoint returns delegation.ErrCancelRequested once a cancel was
// requested for the job. Backends call it between units of work.
func (r ExecutionRequest) Checkpoint(ctx context.Context) error {
	if r.checkpoint == nil {
		return nil
	}
	return r.checkpoint(ctx)
}

// NoopExecutor completes every item after a short pause while honoring
// checkpoints. It stands in for a scanner when running locally.
type NoopExecutor struct {
	Steps    int
	StepTime time.Duration
}

func (n NoopExecutor) Execute(ctx context.Context, req ExecutionRequest) (json.RawMessage, error) {
	for i := 0; i < n.Steps; i++ {
		if err := req.Checkpoint(ctx); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(n.StepTime):
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"job_id":%q,"findings":0}`, req.JobID)), nil
}

// cancelCheckpoint builds the checkpoint used for a claimed item by reading
// its current state from the shared store.
func cancelCheckpoint(repo delegation.WorkItemRepository, jobID uuid.UUID) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		item, err := repo.GetWorkItem(ctx, jobID)
		if err != nil {
			return fmt.Errorf("checkpoint read failed (job_id: %s): %w", jobID, err)
		}
		if item.Status() == delegation.WorkItemStatusCancelRequested {
			return delegation.ErrCancelRequested
		}
		return nil
	}
}
