package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// CompletionSynchronizer reconciles dispatched jobs with what the worker tier
// did with them. It ends jobs whose work item finished, resolves pending
// cancel requests and hands jobs off again when their work item vanished.
type CompletionSynchronizer struct {
	repo      scheduling.JobRepository
	tier      scheduling.WorkerTier
	publisher events.DomainEventPublisher

	interval  time.Duration
	batchSize int

	metrics SchedulerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewCompletionSynchronizer creates a synchronizer that inspects up to
// batchSize jobs every interval.
func NewCompletionSynchronizer(
	repo scheduling.JobRepository,
	tier scheduling.WorkerTier,
	publisher events.DomainEventPublisher,
	interval time.Duration,
	batchSize int,
	metrics SchedulerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *CompletionSynchronizer {
	if batchSize < 1 {
		batchSize = 100
	}
	return &CompletionSynchronizer{
		repo:      repo,
		tier:      tier,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger.With("component", "completion_sync"),
		tracer:    tracer,
	}
}

// Run executes Sync every interval until ctx is done.
func (s *CompletionSynchronizer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Completion synchronizer started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Completion synchronizer stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "Completion sync failed", "error", err)
			}
		}
	}
}

// Sync reconciles one batch of STARTED and CANCEL_REQUESTED jobs and returns
// how many reached a terminal state. Failures on single jobs are logged and
// do not stop the batch.
func (s *CompletionSynchronizer) Sync(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "completion_sync.sync")
	defer span.End()

	jobs, err := s.repo.ListJobsByStatus(ctx, []scheduling.JobStatus{
		scheduling.JobStatusStarted,
		scheduling.JobStatusCancelRequested,
	}, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return 0, fmt.Errorf("listing dispatched jobs: %w", err)
	}

	resolved := 0
	for _, job := range jobs {
		done, err := s.syncJob(ctx, job)
		if err != nil {
			s.metrics.IncSyncErrors(ctx)
			s.logger.Error(ctx, "Failed to reconcile job", "job_id", job.JobID(), "status", job.Status(), "error", err)
			continue
		}
		if done {
			resolved++
		}
	}

	span.SetAttributes(
		attribute.Int("inspected", len(jobs)),
		attribute.Int("resolved", resolved),
	)
	return resolved, nil
}

func (s *CompletionSynchronizer) syncJob(ctx context.Context, job *scheduling.Job) (bool, error) {
	outcome, err := s.tier.Outcome(ctx, job.JobID())
	if err != nil {
		return false, fmt.Errorf("reading worker outcome: %w", err)
	}

	switch job.Status() {
	case scheduling.JobStatusStarted:
		return s.syncStarted(ctx, job, outcome)
	case scheduling.JobStatusCancelRequested:
		return s.syncCancelRequested(ctx, job, outcome)
	default:
		return false, nil
	}
}

func (s *CompletionSynchronizer) syncStarted(ctx context.Context, job *scheduling.Job, outcome scheduling.WorkOutcome) (bool, error) {
	switch outcome {
	case scheduling.WorkOutcomePending:
		return false, nil

	case scheduling.WorkOutcomeMissing, scheduling.WorkOutcomeCanceled:
		// Nobody asked to cancel a STARTED job, so a canceled item is left
		// over from a pause. Either way the job still needs an execution.
		if err := s.tier.Handoff(ctx, job); err != nil {
			return false, fmt.Errorf("handing job off again: %w", err)
		}
		s.metrics.IncHandoffs(ctx)
		s.logger.Info(ctx, "Job handed off again", "job_id", job.JobID(), "worker_outcome", outcome)
		return false, nil

	case scheduling.WorkOutcomeDone, scheduling.WorkOutcomeFailed:
		result := scheduling.JobResultOK
		if outcome == scheduling.WorkOutcomeFailed {
			result = scheduling.JobResultFailed
		}
		if err := job.End(result); err != nil {
			return false, err
		}
		return s.persist(ctx, job, scheduling.EventTypeJobEnded)
	}
	return false, fmt.Errorf("unknown worker outcome %q", outcome)
}

func (s *CompletionSynchronizer) syncCancelRequested(ctx context.Context, job *scheduling.Job, outcome scheduling.WorkOutcome) (bool, error) {
	if outcome == scheduling.WorkOutcomePending {
		// Forwarding is idempotent; it covers requests lost on the way.
		if err := s.tier.RequestCancel(ctx, job.JobID()); err != nil {
			return false, fmt.Errorf("forwarding cancel: %w", err)
		}
		return false, nil
	}

	if err := job.Cancel(); err != nil {
		return false, err
	}
	return s.persist(ctx, job, scheduling.EventTypeJobCanceled)
}

// persist writes a terminal job. Losing the version race is not an error;
// the next sync sees the job as the winner left it.
func (s *CompletionSynchronizer) persist(ctx context.Context, job *scheduling.Job, t events.EventType) (bool, error) {
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, scheduling.ErrJobVersionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("persisting %s: %w", job.Status(), err)
	}
	s.metrics.IncJobsResolved(ctx, job.Status().String())

	evt := scheduling.NewJobLifecycleEvent(t, job, "")
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		s.logger.Warn(ctx, "Failed to publish job event", "job_id", job.JobID(), "event_type", t, "error", err)
	}
	s.logger.Info(ctx, "Job resolved", "job_id", job.JobID(), "status", job.Status(), "result", job.Result())
	return true, nil
}
