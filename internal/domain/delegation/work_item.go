package delegation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// WorkItem is the worker-side unit of execution for a producer job. The job
// id is a foreign correlation, not ownership. Version guards every update:
// a write only lands if the stored version still matches the one read.
type WorkItem struct {
	jobID  uuid.UUID
	owner  string
	status WorkItemStatus

	result        json.RawMessage
	failureReason string

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	version int64

	timeProvider TimeProvider
}

// NewWorkItem creates an item in CREATED state for the given job.
func NewWorkItem(jobID uuid.UUID, tp TimeProvider) *WorkItem {
	if tp == nil {
		tp = realTimeProvider{}
	}
	return &WorkItem{
		jobID:        jobID,
		status:       WorkItemStatusCreated,
		createdAt:    tp.Now(),
		timeProvider: tp,
	}
}

// ReconstructWorkItem creates a WorkItem from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructWorkItem(
	jobID uuid.UUID,
	owner string,
	status WorkItemStatus,
	result json.RawMessage,
	failureReason string,
	createdAt, startedAt, endedAt time.Time,
	version int64,
) *WorkItem {
	return &WorkItem{
		jobID:         jobID,
		owner:         owner,
		status:        status,
		result:        result,
		failureReason: failureReason,
		createdAt:     createdAt,
		startedAt:     startedAt,
		endedAt:       endedAt,
		version:       version,
		timeProvider:  realTimeProvider{},
	}
}

func (w *WorkItem) JobID() uuid.UUID        { return w.jobID }
func (w *WorkItem) Owner() string           { return w.owner }
func (w *WorkItem) Status() WorkItemStatus  { return w.status }
func (w *WorkItem) Result() json.RawMessage { return w.result }
func (w *WorkItem) FailureReason() string   { return w.failureReason }
func (w *WorkItem) CreatedAt() time.Time    { return w.createdAt }
func (w *WorkItem) Version() int64          { return w.version }

// SetVersion is called by repositories after a successful write.
func (w *WorkItem) SetVersion(v int64) { w.version = v }

// StartedAt returns when execution began, if it did.
func (w *WorkItem) StartedAt() (time.Time, bool) { return w.startedAt, !w.startedAt.IsZero() }

// EndedAt returns when the item reached a terminal state, if it did.
func (w *WorkItem) EndedAt() (time.Time, bool) { return w.endedAt, !w.endedAt.IsZero() }

// WithTimeProvider overrides the clock, mainly for tests.
func (w *WorkItem) WithTimeProvider(tp TimeProvider) *WorkItem {
	w.timeProvider = tp
	return w
}

// Clone returns a copy safe to mutate independently, used by in-memory stores.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.result != nil {
		c.result = append(json.RawMessage(nil), w.result...)
	}
	return &c
}

// MarkReadyToStart makes the item claimable.
func (w *WorkItem) MarkReadyToStart() error { return w.transition(WorkItemStatusReadyToStart) }

// Claim records that owner reserved the item. The reservation only becomes
// real once the versioned update persists it.
func (w *WorkItem) Claim(owner string) error {
	if err := w.transition(WorkItemStatusQueued); err != nil {
		return err
	}
	w.owner = owner
	return nil
}

// MarkRunning records that the execution backend picked the item up.
func (w *WorkItem) MarkRunning() error {
	if err := w.transition(WorkItemStatusRunning); err != nil {
		return err
	}
	w.startedAt = w.timeProvider.Now()
	return nil
}

// RequestCancel asks for cancellation. Items nobody executes yet are
// canceled at once; claimed items move to CANCEL_REQUESTED so the backend
// observes it at its next checkpoint. It returns false when the item was
// already terminal, in which case nothing changes.
func (w *WorkItem) RequestCancel() (bool, error) {
	switch w.status {
	case WorkItemStatusDone, WorkItemStatusFailed, WorkItemStatusCanceled, WorkItemStatusCancelRequested:
		return false, nil
	case WorkItemStatusCreated, WorkItemStatusReadyToStart:
		if err := w.transition(WorkItemStatusCanceled); err != nil {
			return false, err
		}
		w.endedAt = w.timeProvider.Now()
		return true, nil
	default:
		if err := w.transition(WorkItemStatusCancelRequested); err != nil {
			return false, err
		}
		return true, nil
	}
}

// Complete stores the result payload of a successful execution.
func (w *WorkItem) Complete(result json.RawMessage) error {
	if err := w.transition(WorkItemStatusDone); err != nil {
		return err
	}
	w.result = result
	w.endedAt = w.timeProvider.Now()
	return nil
}

// Fail records an execution backend failure.
func (w *WorkItem) Fail(reason string) error {
	if err := w.transition(WorkItemStatusFailed); err != nil {
		return err
	}
	w.failureReason = reason
	w.endedAt = w.timeProvider.Now()
	return nil
}

// Cancel resolves a pending cancel request.
func (w *WorkItem) Cancel() error {
	if err := w.transition(WorkItemStatusCanceled); err != nil {
		return err
	}
	w.endedAt = w.timeProvider.Now()
	return nil
}

func (w *WorkItem) transition(target WorkItemStatus) error {
	if err := w.status.validateTransition(target); err != nil {
		return err
	}
	w.status = target
	return nil
}
