package delegation

import "github.com/ahrav/scan-delegation/internal/domain/shared"

// WorkItemStatus represents the execution lifecycle of a work item on the
// worker side. It is independent from the producer's JobStatus; the two are
// correlated only by job id.
type WorkItemStatus string

const (
	// WorkItemStatusCreated indicates the producer handed the job over but it
	// is not claimable yet.
	WorkItemStatusCreated WorkItemStatus = "CREATED"

	// WorkItemStatusReadyToStart indicates the item may be claimed.
	WorkItemStatusReadyToStart WorkItemStatus = "READY_TO_START"

	// WorkItemStatusQueued indicates a worker instance claimed the item and
	// queued it for local execution.
	WorkItemStatusQueued WorkItemStatus = "QUEUED"

	// WorkItemStatusRunning indicates the execution backend is working on it.
	WorkItemStatusRunning WorkItemStatus = "RUNNING"

	// WorkItemStatusCancelRequested indicates execution must stop at the next checkpoint.
	WorkItemStatusCancelRequested WorkItemStatus = "CANCEL_REQUESTED"

	WorkItemStatusCanceled WorkItemStatus = "CANCELED"

	// WorkItemStatusFailed indicates the execution backend itself errored.
	// Findings reported by a scanner are still DONE.
	WorkItemStatusFailed WorkItemStatus = "FAILED"

	WorkItemStatusDone WorkItemStatus = "DONE"
)

func (s WorkItemStatus) String() string { return string(s) }

// ParseWorkItemStatus converts a string to a WorkItemStatus. Unknown values return "".
func ParseWorkItemStatus(s string) WorkItemStatus {
	switch WorkItemStatus(s) {
	case WorkItemStatusCreated, WorkItemStatusReadyToStart, WorkItemStatusQueued,
		WorkItemStatusRunning, WorkItemStatusCancelRequested, WorkItemStatusCanceled,
		WorkItemStatusFailed, WorkItemStatusDone:
		return WorkItemStatus(s)
	default:
		return ""
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemStatusDone || s == WorkItemStatusFailed || s == WorkItemStatusCanceled
}

// HoldsClaim reports whether an item in s is owned by a worker instance.
func (s WorkItemStatus) HoldsClaim() bool {
	return s == WorkItemStatusQueued || s == WorkItemStatusRunning || s == WorkItemStatusCancelRequested
}

// TerminalWorkItemStatuses lists the statuses for which IsTerminal is true.
func TerminalWorkItemStatuses() []WorkItemStatus {
	return []WorkItemStatus{WorkItemStatusDone, WorkItemStatusFailed, WorkItemStatusCanceled}
}

func (s WorkItemStatus) validateTransition(target WorkItemStatus) error {
	if !s.isValidTransition(target) {
		return &shared.StateTransitionError{Entity: "work item", From: string(s), To: string(target)}
	}
	return nil
}

func (s WorkItemStatus) isValidTransition(target WorkItemStatus) bool {
	switch s {
	case WorkItemStatusCreated:
		return target == WorkItemStatusReadyToStart || target == WorkItemStatusCanceled
	case WorkItemStatusReadyToStart:
		return target == WorkItemStatusQueued || target == WorkItemStatusCanceled
	case WorkItemStatusQueued:
		return target == WorkItemStatusRunning || target == WorkItemStatusCancelRequested || target == WorkItemStatusFailed
	case WorkItemStatusRunning:
		return target == WorkItemStatusDone || target == WorkItemStatusFailed || target == WorkItemStatusCancelRequested
	case WorkItemStatusCancelRequested:
		return target == WorkItemStatusCanceled
	case WorkItemStatusDone, WorkItemStatusFailed, WorkItemStatusCanceled:
		return false
	default:
		return false
	}
}
