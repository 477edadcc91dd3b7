package delegation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkItemRepository is the worker-side queue shared by every worker instance.
// All cross-instance coordination goes through the version check of
// UpdateWorkItem; there are no locks.
type WorkItemRepository interface {
	// CreateWorkItem inserts a new item or returns ErrWorkItemExists.
	CreateWorkItem(ctx context.Context, item *WorkItem) error

	// GetWorkItem loads the item for jobID or returns ErrWorkItemNotFound.
	GetWorkItem(ctx context.Context, jobID uuid.UUID) (*WorkItem, error)

	// FindOldestReadyToStart returns the READY_TO_START item with the
	// earliest creation time. found is false when none is eligible.
	FindOldestReadyToStart(ctx context.Context) (item *WorkItem, found bool, err error)

	// UpdateWorkItem persists item only if the stored version still equals
	// item.Version(), incrementing it. Otherwise it returns ErrVersionConflict.
	UpdateWorkItem(ctx context.Context, item *WorkItem) error

	// DeleteWorkItem removes the item regardless of state. Used when the
	// producer re-hands a job whose previous item finished.
	DeleteWorkItem(ctx context.Context, jobID uuid.UUID, version int64) error

	// DeleteTerminalEndedBefore removes DONE, FAILED and CANCELED items whose
	// end time is before cutoff and returns the number removed.
	DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
