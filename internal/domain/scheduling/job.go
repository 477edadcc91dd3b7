package scheduling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/shared"
)

// Job is a scan request submitted on the producer side. Its status moves
// through the JobStatus lifecycle and every persisted change bumps version so
// concurrent dispatcher instances detect each other.
type Job struct {
	jobID     uuid.UUID
	projectID string
	owner     string
	config    json.RawMessage

	status JobStatus
	result JobResult

	// cancelPending remembers a cancel request across a pause so resuming
	// never drops it.
	cancelPending bool

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	version int64

	timeProvider TimeProvider
}

// NewJob creates a job in INITIALIZING state.
func NewJob(jobID uuid.UUID, projectID, owner string, config json.RawMessage, tp TimeProvider) *Job {
	if tp == nil {
		tp = realTimeProvider{}
	}
	return &Job{
		jobID:        jobID,
		projectID:    projectID,
		owner:        owner,
		config:       config,
		status:       JobStatusInitializing,
		result:       JobResultNone,
		createdAt:    tp.Now(),
		timeProvider: tp,
	}
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	projectID string,
	owner string,
	config json.RawMessage,
	status JobStatus,
	result JobResult,
	cancelPending bool,
	createdAt, startedAt, endedAt time.Time,
	version int64,
) *Job {
	return &Job{
		jobID:         jobID,
		projectID:     projectID,
		owner:         owner,
		config:        config,
		status:        status,
		result:        result,
		cancelPending: cancelPending,
		createdAt:     createdAt,
		startedAt:     startedAt,
		endedAt:       endedAt,
		version:       version,
		timeProvider:  realTimeProvider{},
	}
}

func (j *Job) JobID() uuid.UUID        { return j.jobID }
func (j *Job) ProjectID() string       { return j.projectID }
func (j *Job) Owner() string           { return j.owner }
func (j *Job) Config() json.RawMessage { return j.config }
func (j *Job) Status() JobStatus       { return j.status }
func (j *Job) Result() JobResult       { return j.result }
func (j *Job) CancelPending() bool     { return j.cancelPending }
func (j *Job) CreatedAt() time.Time    { return j.createdAt }

// Version returns the version read from storage; UpdateJob only succeeds
// while the stored row still carries it.
func (j *Job) Version() int64 { return j.version }

// SetVersion is called by repositories after a successful write.
func (j *Job) SetVersion(v int64) { j.version = v }

// StartedAt returns when the job was dispatched, if it was.
func (j *Job) StartedAt() (time.Time, bool) { return j.startedAt, !j.startedAt.IsZero() }

// EndedAt returns when the job reached a terminal state, if it did.
func (j *Job) EndedAt() (time.Time, bool) { return j.endedAt, !j.endedAt.IsZero() }

// WithTimeProvider overrides the clock, mainly for tests.
func (j *Job) WithTimeProvider(tp TimeProvider) *Job {
	j.timeProvider = tp
	return j
}

// Clone returns a copy safe to mutate independently, used by in-memory stores.
func (j *Job) Clone() *Job {
	c := *j
	if j.config != nil {
		c.config = append(json.RawMessage(nil), j.config...)
	}
	return &c
}

// MarkReadyToStart makes the job eligible for scheduling strategies.
func (j *Job) MarkReadyToStart() error { return j.transition(JobStatusReadyToStart) }

// Start records the dispatch of the job to the worker tier.
func (j *Job) Start() error {
	if err := j.transition(JobStatusStarted); err != nil {
		return err
	}
	if j.startedAt.IsZero() {
		j.startedAt = j.timeProvider.Now()
	}
	return nil
}

// RequestCancel moves the job to CANCEL_REQUESTED. A paused job records the
// request and resumes straight into CANCEL_REQUESTED.
func (j *Job) RequestCancel() error {
	if j.status == JobStatusPaused {
		j.cancelPending = true
		return j.Resume()
	}
	if err := j.transition(JobStatusCancelRequested); err != nil {
		return err
	}
	j.cancelPending = true
	return nil
}

// Cancel resolves a pending cancel request.
func (j *Job) Cancel() error {
	if err := j.transition(JobStatusCanceled); err != nil {
		return err
	}
	j.cancelPending = false
	j.endedAt = j.timeProvider.Now()
	return nil
}

// Pause suspends a started or cancel-requested job.
func (j *Job) Pause() error { return j.transition(JobStatusPaused) }

// Resume continues a paused job. A job paused while a cancel was pending
// goes back to CANCEL_REQUESTED instead of STARTED.
func (j *Job) Resume() error {
	if j.status != JobStatusPaused {
		return &shared.StateTransitionError{Entity: "job", From: j.status.String(), To: JobStatusStarted.String()}
	}
	if j.cancelPending {
		return j.transition(JobStatusCancelRequested)
	}
	return j.transition(JobStatusStarted)
}

// End finishes the job with the given result, which must be OK or FAILED.
func (j *Job) End(result JobResult) error {
	if result != JobResultOK && result != JobResultFailed {
		return ErrInvalidJobResult
	}
	if err := j.transition(JobStatusEnded); err != nil {
		return err
	}
	j.result = result
	j.endedAt = j.timeProvider.Now()
	return nil
}

func (j *Job) transition(target JobStatus) error {
	if err := j.status.validateTransition(target); err != nil {
		return err
	}
	j.status = target
	return nil
}
