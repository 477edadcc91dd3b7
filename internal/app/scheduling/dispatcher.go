// Package scheduling contains the producer-side services: the job service
// used by administrative callers, the dispatcher that starts ready jobs
// according to the configured strategy, and the completion synchronizer that
// resolves started jobs from their worker outcome.
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
	"github.com/ahrav/scan-delegation/internal/domain/shared"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	InitialDelay time.Duration
	FixedDelay   time.Duration

	// MaxPerCycle caps how many jobs one cycle starts. Values below one mean one.
	MaxPerCycle int
}

// DispatchOutcome describes how a single dispatch attempt ended.
type DispatchOutcome string

const (
	DispatchOutcomeStarted  DispatchOutcome = "started"
	DispatchOutcomeIdle     DispatchOutcome = "idle"
	DispatchOutcomeDisabled DispatchOutcome = "disabled"
	// DispatchOutcomeLost means another dispatcher instance changed the job
	// between the strategy read and the conditional write.
	DispatchOutcomeLost DispatchOutcome = "lost"
)

// Dispatcher periodically asks the scheduling strategy for the next ready
// job, marks it STARTED with a version-checked write and hands it to the
// worker tier.
type Dispatcher struct {
	cfg DispatchConfig

	strategy  scheduling.SchedulingStrategy
	repo      scheduling.JobRepository
	tier      scheduling.WorkerTier
	toggle    shared.SchedulingSwitch
	publisher events.DomainEventPublisher

	metrics SchedulerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewDispatcher creates a dispatcher. toggle may be nil, in which case
// dispatching is always enabled.
func NewDispatcher(
	cfg DispatchConfig,
	strategy scheduling.SchedulingStrategy,
	repo scheduling.JobRepository,
	tier scheduling.WorkerTier,
	toggle shared.SchedulingSwitch,
	publisher events.DomainEventPublisher,
	metrics SchedulerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	if cfg.MaxPerCycle < 1 {
		cfg.MaxPerCycle = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		strategy:  strategy,
		repo:      repo,
		tier:      tier,
		toggle:    toggle,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "dispatcher", "strategy", strategy.ID().String()),
		tracer:    tracer,
	}
}

// Run waits InitialDelay and then runs dispatch cycles separated by
// FixedDelay until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info(ctx, "Dispatcher started",
		"initial_delay", d.cfg.InitialDelay.String(),
		"fixed_delay", d.cfg.FixedDelay.String(),
	)

	timer := time.NewTimer(d.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "Dispatcher stopped")
			return nil
		case <-timer.C:
			d.runCycle(ctx)
			timer.Reset(d.cfg.FixedDelay)
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	for range d.cfg.MaxPerCycle {
		outcome, err := d.DispatchNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error(ctx, "Dispatch cycle failed", "error", err)
			}
			return
		}
		if outcome != DispatchOutcomeStarted {
			return
		}
	}
}

// DispatchNext starts at most one job. A job the strategy selected but which
// another instance modified in the meantime is reported as lost, not as an
// error.
func (d *Dispatcher) DispatchNext(ctx context.Context) (DispatchOutcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch_next",
		trace.WithAttributes(attribute.String("strategy", d.strategy.ID().String())))
	defer span.End()

	if d.toggle != nil {
		enabled, err := d.toggle.Enabled(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read dispatch switch")
			return "", fmt.Errorf("reading dispatch switch: %w", err)
		}
		if !enabled {
			d.metrics.IncDispatchSkipped(ctx, string(DispatchOutcomeDisabled))
			return DispatchOutcomeDisabled, nil
		}
	}

	jobID, found, err := d.strategy.NextJobID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "strategy failed")
		return "", err
	}
	if !found {
		d.metrics.IncDispatchSkipped(ctx, string(DispatchOutcomeIdle))
		return DispatchOutcomeIdle, nil
	}
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job")
		return "", fmt.Errorf("loading job %s: %w", jobID, err)
	}

	if err := job.Start(); err != nil {
		// The strategy read is already stale: someone else moved the job.
		d.metrics.IncDispatchConflicts(ctx)
		span.AddEvent("job_no_longer_ready", trace.WithAttributes(attribute.String("status", job.Status().String())))
		return DispatchOutcomeLost, nil
	}

	if err := d.repo.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, scheduling.ErrJobVersionConflict) {
			d.metrics.IncDispatchConflicts(ctx)
			span.AddEvent("version_conflict")
			return DispatchOutcomeLost, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist start")
		return "", fmt.Errorf("starting job %s: %w", jobID, err)
	}
	d.metrics.IncDispatched(ctx, d.strategy.ID().String())

	evt := scheduling.NewJobLifecycleEvent(scheduling.EventTypeJobStarted, job, "")
	if err := d.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		d.logger.Warn(ctx, "Failed to publish job started event", "job_id", jobID, "error", err)
	}

	// A failed handoff leaves the job STARTED without a work item; the
	// completion synchronizer hands it off again.
	if err := d.tier.Handoff(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handoff failed")
		return DispatchOutcomeStarted, fmt.Errorf("handing job %s to worker tier: %w", jobID, err)
	}
	d.metrics.IncHandoffs(ctx)

	d.logger.Info(ctx, "Job dispatched", "job_id", jobID, "project_id", job.ProjectID())
	span.SetStatus(codes.Ok, "job dispatched")
	return DispatchOutcomeStarted, nil
}
