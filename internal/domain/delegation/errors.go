package delegation

import "errors"

var (
	// ErrWorkItemNotFound is returned when no work item exists for a job id.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrWorkItemExists is returned when creating a work item for a job id
	// that already has one.
	ErrWorkItemExists = errors.New("work item already exists")

	// ErrVersionConflict means another instance updated the work item after
	// it was read. It is expected under contention and never fatal.
	ErrVersionConflict = errors.New("work item version conflict")

	// ErrCancelRequested is returned by execution checkpoints once a cancel
	// was requested for the running item.
	ErrCancelRequested = errors.New("work item cancel requested")
)
