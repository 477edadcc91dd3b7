// Package delegation contains the worker-side services: the claim engine that
// competes with other worker instances for work items, and the bounded
// execution queue that runs what was claimed.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/shared"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// LocalQueue is the part of the execution queue the claim engine needs.
type LocalQueue interface {
	IsFull() bool
	Submit(ctx context.Context, item *delegation.WorkItem) bool
}

// ClaimConfig tunes the claim loop.
type ClaimConfig struct {
	// InstanceID is recorded as owner of every claimed item.
	InstanceID string

	InitialDelay time.Duration
	FixedDelay   time.Duration

	// BackoffMin and BackoffMax bound the random sleep after a lost race.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxConflictRetries caps lost races per cycle. Zero means unbounded.
	MaxConflictRetries int
}

// DefaultClaimConfig returns the settings used when nothing is configured.
func DefaultClaimConfig(instanceID string) ClaimConfig {
	return ClaimConfig{
		InstanceID:   instanceID,
		InitialDelay: 5 * time.Second,
		FixedDelay:   2 * time.Second,
		BackoffMin:   50 * time.Millisecond,
		BackoffMax:   2 * time.Second,
	}
}

// ClaimOutcome describes how a claim cycle ended.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed   ClaimOutcome = "claimed"
	ClaimOutcomeIdle      ClaimOutcome = "idle"
	ClaimOutcomeQueueFull ClaimOutcome = "queue_full"
	ClaimOutcomeDisabled  ClaimOutcome = "disabled"
	// ClaimOutcomeContended means the cycle gave up after MaxConflictRetries
	// lost races. The next tick tries again.
	ClaimOutcomeContended ClaimOutcome = "contended"
)

// ClaimEngine periodically claims the oldest claimable work item and hands
// it to the local execution queue. Instances coordinate only through the
// version check of WorkItemRepository.UpdateWorkItem; a lost race is
// followed by a random sleep so competing instances drift apart.
type ClaimEngine struct {
	cfg ClaimConfig

	repo      delegation.WorkItemRepository
	queue     LocalQueue
	toggle    shared.SchedulingSwitch
	publisher events.DomainEventPublisher

	backoff jitter
	sleep   func(ctx context.Context, d time.Duration) error

	metrics WorkerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewClaimEngine creates a claim engine. toggle may be nil, in which case
// claiming is always enabled.
func NewClaimEngine(
	cfg ClaimConfig,
	repo delegation.WorkItemRepository,
	queue LocalQueue,
	toggle shared.SchedulingSwitch,
	publisher events.DomainEventPublisher,
	metrics WorkerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ClaimEngine {
	return &ClaimEngine{
		cfg:       cfg,
		repo:      repo,
		queue:     queue,
		toggle:    toggle,
		publisher: publisher,
		backoff:   newJitter(cfg.BackoffMin, cfg.BackoffMax),
		sleep:     sleepCtx,
		metrics:   metrics,
		logger:    logger.With("component", "claim_engine", "instance_id", cfg.InstanceID),
		tracer:    tracer,
	}
}

// Run waits InitialDelay and then runs claim cycles separated by FixedDelay
// until ctx is done. Failed cycles are logged and retried on the next tick.
func (e *ClaimEngine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "Claim engine started",
		"initial_delay", e.cfg.InitialDelay.String(),
		"fixed_delay", e.cfg.FixedDelay.String(),
	)

	timer := time.NewTimer(e.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Claim engine stopped")
			return nil
		case <-timer.C:
			if _, err := e.ClaimNext(ctx); err != nil && ctx.Err() == nil {
				e.metrics.IncClaimErrors(ctx)
				e.logger.Error(ctx, "Claim cycle failed", "error", err)
			}
			timer.Reset(e.cfg.FixedDelay)
		}
	}
}

// ClaimNext runs a single claim cycle.
//
// A full queue ends the cycle before any repository access. Otherwise the
// oldest READY_TO_START item is read and claimed conditioned on its version.
// On a version conflict another instance won; the engine sleeps a random
// delay and starts over with a fresh read, until it wins a claim or nothing
// claimable remains.
func (e *ClaimEngine) ClaimNext(ctx context.Context) (ClaimOutcome, error) {
	if e.queue.IsFull() {
		e.metrics.IncClaimCyclesSkipped(ctx, string(ClaimOutcomeQueueFull))
		return ClaimOutcomeQueueFull, nil
	}

	ctx, span := e.tracer.Start(ctx, "claim_engine.claim_next",
		trace.WithAttributes(attribute.String("instance_id", e.cfg.InstanceID)))
	defer span.End()

	if e.toggle != nil {
		enabled, err := e.toggle.Enabled(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read claim switch")
			return "", fmt.Errorf("reading claim switch: %w", err)
		}
		if !enabled {
			e.metrics.IncClaimCyclesSkipped(ctx, string(ClaimOutcomeDisabled))
			span.AddEvent("claims_disabled")
			return ClaimOutcomeDisabled, nil
		}
	}

	conflicts := 0
	for {
		item, found, err := e.repo.FindOldestReadyToStart(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to find claimable item")
			return "", fmt.Errorf("finding oldest ready work item: %w", err)
		}
		if !found {
			span.SetAttributes(attribute.Int("conflicts", conflicts))
			return ClaimOutcomeIdle, nil
		}

		if err := item.Claim(e.cfg.InstanceID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid claim transition")
			return "", fmt.Errorf("claiming work item (job_id: %s): %w", item.JobID(), err)
		}

		err = e.repo.UpdateWorkItem(ctx, item)
		if err == nil {
			return e.enqueue(ctx, span, item, conflicts), nil
		}
		if !errors.Is(err, delegation.ErrVersionConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist claim")
			return "", fmt.Errorf("persisting claim (job_id: %s): %w", item.JobID(), err)
		}

		conflicts++
		e.metrics.IncClaimConflicts(ctx)
		span.AddEvent("claim_conflict", trace.WithAttributes(attribute.String("job_id", item.JobID().String())))
		e.logger.Debug(ctx, "Lost claim race", "job_id", item.JobID(), "conflicts", conflicts)

		if e.cfg.MaxConflictRetries > 0 && conflicts >= e.cfg.MaxConflictRetries {
			span.SetAttributes(attribute.Int("conflicts", conflicts))
			return ClaimOutcomeContended, nil
		}
		if err := e.sleep(ctx, e.backoff.Delay()); err != nil {
			return "", err
		}
	}
}

func (e *ClaimEngine) enqueue(ctx context.Context, span trace.Span, item *delegation.WorkItem, conflicts int) ClaimOutcome {
	e.metrics.IncClaims(ctx)
	span.SetAttributes(
		attribute.String("job_id", item.JobID().String()),
		attribute.Int("conflicts", conflicts),
	)
	e.logger.Info(ctx, "Work item claimed", "job_id", item.JobID(), "conflicts", conflicts)

	evt := delegation.NewWorkItemEvent(delegation.EventTypeWorkItemClaimed, item)
	if err := e.publisher.PublishDomainEvent(ctx, evt, events.WithKey(item.JobID().String())); err != nil {
		e.logger.Warn(ctx, "Failed to publish work item claimed event", "job_id", item.JobID(), "error", err)
	}

	// Submit only rejects once the queue is shutting down. The claim is
	// released as FAILED so the producer sees an outcome.
	if !e.queue.Submit(ctx, item) {
		e.logger.Warn(ctx, "Execution queue rejected a claimed item", "job_id", item.JobID())
		if err := item.Fail("worker shutting down"); err == nil {
			if err := e.repo.UpdateWorkItem(context.WithoutCancel(ctx), item); err != nil {
				e.logger.Error(ctx, "Failed to release rejected claim", "job_id", item.JobID(), "error", err)
			}
		}
	}
	span.SetStatus(codes.Ok, "work item claimed")
	return ClaimOutcomeClaimed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
