package scheduling

import "github.com/ahrav/scan-delegation/internal/domain/shared"

// JobStatus represents the lifecycle state of a submitted scan job on the
// producer side.
type JobStatus string

const (
	// JobStatusInitializing indicates the job was submitted and is still waiting
	// for its prerequisites (uploads, configuration).
	JobStatusInitializing JobStatus = "INITIALIZING"

	// JobStatusReadyToStart indicates the job may be picked by a scheduling strategy.
	JobStatusReadyToStart JobStatus = "READY_TO_START"

	// JobStatusStarted indicates the job was dispatched to the worker tier.
	JobStatusStarted JobStatus = "STARTED"

	// JobStatusCancelRequested indicates a cancel was requested and is being resolved.
	JobStatusCancelRequested JobStatus = "CANCEL_REQUESTED"

	// JobStatusCanceled is terminal.
	JobStatusCanceled JobStatus = "CANCELED"

	// JobStatusPaused indicates the job was suspended so another cluster
	// instance can resume it later.
	JobStatusPaused JobStatus = "PAUSED"

	// JobStatusEnded is terminal and always carries a result.
	JobStatusEnded JobStatus = "ENDED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus. Unknown values return "".
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusInitializing, JobStatusReadyToStart, JobStatusStarted,
		JobStatusCancelRequested, JobStatusCanceled, JobStatusPaused, JobStatusEnded:
		return JobStatus(s)
	default:
		return ""
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusEnded || s == JobStatusCanceled
}

// IsActive reports whether a job in s occupies its project, which is what the
// one-project-at-a-time policy serializes on.
func (s JobStatus) IsActive() bool {
	return s == JobStatusStarted || s == JobStatusCancelRequested || s == JobStatusPaused
}

// ActiveJobStatuses lists the statuses for which IsActive is true.
func ActiveJobStatuses() []JobStatus {
	return []JobStatus{JobStatusStarted, JobStatusCancelRequested, JobStatusPaused}
}

// TerminalJobStatuses lists the statuses for which IsTerminal is true.
func TerminalJobStatuses() []JobStatus {
	return []JobStatus{JobStatusEnded, JobStatusCanceled}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return &shared.StateTransitionError{Entity: "job", From: string(s), To: string(target)}
	}
	return nil
}

// isValidTransition enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusInitializing:
		return target == JobStatusReadyToStart || target == JobStatusCancelRequested
	case JobStatusReadyToStart:
		return target == JobStatusStarted || target == JobStatusCancelRequested
	case JobStatusStarted:
		return target == JobStatusEnded || target == JobStatusPaused || target == JobStatusCancelRequested
	case JobStatusCancelRequested:
		// A cancel request only ever resolves to CANCELED; pausing keeps it pending.
		return target == JobStatusCanceled || target == JobStatusPaused
	case JobStatusPaused:
		// Only Resume leaves PAUSED. It returns to CANCEL_REQUESTED when a
		// cancel was pending.
		return target == JobStatusStarted || target == JobStatusCancelRequested
	case JobStatusEnded, JobStatusCanceled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}

// JobResult is the outcome carried by an ENDED job.
type JobResult string

const (
	JobResultNone   JobResult = "NONE"
	JobResultOK     JobResult = "OK"
	JobResultFailed JobResult = "FAILED"
)

func (r JobResult) String() string { return string(r) }

// ParseJobResult converts a string to a JobResult, defaulting to NONE.
func ParseJobResult(s string) JobResult {
	switch JobResult(s) {
	case JobResultOK:
		return JobResultOK
	case JobResultFailed:
		return JobResultFailed
	default:
		return JobResultNone
	}
}
