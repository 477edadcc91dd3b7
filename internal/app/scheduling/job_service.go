package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// maxUpdateAttempts bounds how often an administrative operation re-reads a
// job after losing a version race to a dispatcher or synchronizer.
const maxUpdateAttempts = 3

// SubmitJobCommand carries what a caller provides to submit a scan.
type SubmitJobCommand struct {
	// JobID is optional; a new id is generated when it is uuid.Nil.
	JobID     uuid.UUID
	ProjectID string
	Owner     string
	Config    json.RawMessage
}

// JobService implements the administrative operations on producer jobs.
type JobService struct {
	repo      scheduling.JobRepository
	tier      scheduling.WorkerTier
	publisher events.DomainEventPublisher
	tp        scheduling.TimeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobService creates a job service.
func NewJobService(
	repo scheduling.JobRepository,
	tier scheduling.WorkerTier,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobService {
	return &JobService{
		repo:      repo,
		tier:      tier,
		publisher: publisher,
		tp:        scheduling.RealTimeProvider(),
		logger:    logger.With("component", "job_service"),
		tracer:    tracer,
	}
}

// Submit creates a job in INITIALIZING state.
func (s *JobService) Submit(ctx context.Context, cmd SubmitJobCommand) (uuid.UUID, error) {
	jobID := cmd.JobID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	}

	ctx, span := s.tracer.Start(ctx, "job_service.submit",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("project_id", cmd.ProjectID),
		))
	defer span.End()

	if cmd.ProjectID == "" {
		span.SetStatus(codes.Error, "missing project")
		return uuid.Nil, errors.New("project id is required")
	}

	job := scheduling.NewJob(jobID, cmd.ProjectID, cmd.Owner, cmd.Config, s.tp)
	if err := s.repo.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return uuid.Nil, fmt.Errorf("creating job %s: %w", jobID, err)
	}

	s.publish(ctx, scheduling.EventTypeJobSubmitted, job, cmd.Owner)
	s.logger.Info(ctx, "Job submitted", "job_id", jobID, "project_id", cmd.ProjectID)
	return jobID, nil
}

// GetJob returns the current state of a job.
func (s *JobService) GetJob(ctx context.Context, jobID uuid.UUID) (*scheduling.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return job, nil
}

// MarkReadyToStart makes an initializing job eligible for dispatch.
func (s *JobService) MarkReadyToStart(ctx context.Context, jobID uuid.UUID) error {
	job, _, err := s.update(ctx, "mark_ready", jobID, func(j *scheduling.Job) error {
		return j.MarkReadyToStart()
	})
	if err != nil {
		return err
	}
	s.publish(ctx, scheduling.EventTypeJobReadyToStart, job, "")
	return nil
}

// Cancel requests cancellation. Jobs that never reached the worker tier are
// canceled at once; dispatched jobs stay CANCEL_REQUESTED until the worker
// side stopped, which the completion synchronizer observes. Canceling a
// terminal job returns a *shared.StateTransitionError.
func (s *JobService) Cancel(ctx context.Context, jobID uuid.UUID, requestedBy string) error {
	job, prev, err := s.update(ctx, "cancel", jobID, func(j *scheduling.Job) error {
		dispatched := j.Status() == scheduling.JobStatusStarted || j.Status() == scheduling.JobStatusPaused
		if err := j.RequestCancel(); err != nil {
			return err
		}
		if dispatched {
			return nil
		}
		return j.Cancel()
	})
	if err != nil {
		return err
	}

	s.publish(ctx, scheduling.EventTypeJobCancelRequested, job, requestedBy)
	if job.Status() == scheduling.JobStatusCanceled {
		s.publish(ctx, scheduling.EventTypeJobCanceled, job, requestedBy)
		s.logger.Info(ctx, "Job canceled before dispatch", "job_id", jobID, "previous_status", prev)
		return nil
	}

	if err := s.tier.RequestCancel(ctx, jobID); err != nil {
		// The completion synchronizer forwards the request again.
		s.logger.Warn(ctx, "Failed to forward cancel to worker tier", "job_id", jobID, "error", err)
	}
	s.logger.Info(ctx, "Job cancel requested", "job_id", jobID, "requested_by", requestedBy)
	return nil
}

// Pause suspends a started job and stops its current execution so any
// instance can resume it later.
func (s *JobService) Pause(ctx context.Context, jobID uuid.UUID) error {
	job, _, err := s.update(ctx, "pause", jobID, func(j *scheduling.Job) error {
		return j.Pause()
	})
	if err != nil {
		return err
	}

	if err := s.tier.RequestCancel(ctx, jobID); err != nil {
		s.logger.Warn(ctx, "Failed to stop execution of paused job", "job_id", jobID, "error", err)
	}
	s.publish(ctx, scheduling.EventTypeJobPaused, job, "")
	return nil
}

// Resume continues a paused job. A job paused while a cancel was pending
// returns to CANCEL_REQUESTED. A job whose execution finished before the
// pause reached it ends with that result. Any other job is handed to the
// worker tier again.
func (s *JobService) Resume(ctx context.Context, jobID uuid.UUID) error {
	outcome, err := s.tier.Outcome(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reading worker outcome of job %s: %w", jobID, err)
	}

	job, _, err := s.update(ctx, "resume", jobID, func(j *scheduling.Job) error {
		if err := j.Resume(); err != nil {
			return err
		}
		if j.Status() != scheduling.JobStatusStarted {
			return nil
		}
		switch outcome {
		case scheduling.WorkOutcomeDone:
			return j.End(scheduling.JobResultOK)
		case scheduling.WorkOutcomeFailed:
			return j.End(scheduling.JobResultFailed)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, scheduling.EventTypeJobResumed, job, "")

	switch job.Status() {
	case scheduling.JobStatusCancelRequested:
		if err := s.tier.RequestCancel(ctx, jobID); err != nil {
			s.logger.Warn(ctx, "Failed to forward cancel to worker tier", "job_id", jobID, "error", err)
		}
		return nil
	case scheduling.JobStatusEnded:
		s.publish(ctx, scheduling.EventTypeJobEnded, job, "")
		s.logger.Info(ctx, "Paused job had already finished", "job_id", jobID, "result", job.Result())
		return nil
	}

	if err := s.tier.Handoff(ctx, job); err != nil {
		return fmt.Errorf("handing resumed job %s to worker tier: %w", jobID, err)
	}
	return nil
}

// update loads the job, applies fn and writes it back conditioned on the
// version read. A lost race is retried on a fresh read; transition errors
// are returned unchanged and nothing is written.
func (s *JobService) update(
	ctx context.Context,
	op string,
	jobID uuid.UUID,
	fn func(*scheduling.Job) error,
) (*scheduling.Job, scheduling.JobStatus, error) {
	ctx, span := s.tracer.Start(ctx, "job_service."+op,
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	for attempt := 1; ; attempt++ {
		job, err := s.repo.GetJob(ctx, jobID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load job")
			return nil, "", fmt.Errorf("loading job %s: %w", jobID, err)
		}
		prev := job.Status()

		if err := fn(job); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition rejected")
			return nil, prev, err
		}

		err = s.repo.UpdateJob(ctx, job)
		if err == nil {
			span.SetAttributes(
				attribute.String("from", prev.String()),
				attribute.String("to", job.Status().String()),
			)
			return job, prev, nil
		}
		if !errors.Is(err, scheduling.ErrJobVersionConflict) || attempt == maxUpdateAttempts {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist job")
			return nil, prev, fmt.Errorf("updating job %s: %w", jobID, err)
		}
		span.AddEvent("version_conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
	}
}

func (s *JobService) publish(ctx context.Context, t events.EventType, job *scheduling.Job, actor string) {
	evt := scheduling.NewJobLifecycleEvent(t, job, actor)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		s.logger.Warn(ctx, "Failed to publish job event", "job_id", job.JobID(), "event_type", t, "error", err)
	}
}
