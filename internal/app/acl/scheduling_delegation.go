// Package acl provides anti-corruption layers for translating between domains
package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
)

// maxCancelAttempts bounds retries of a cancel request that keeps losing
// the version race against the executing worker.
const maxCancelAttempts = 5

var _ scheduling.WorkerTier = (*DelegationWorkerTier)(nil)

// DelegationWorkerTier lets the scheduling side hand jobs to the worker
// fleet through the shared work item store. Scheduling types never leak into
// the delegation domain: a job becomes a work item keyed by its id and
// worker states are folded into scheduling.WorkOutcome.
type DelegationWorkerTier struct {
	repo   delegation.WorkItemRepository
	tracer trace.Tracer
}

// NewDelegationWorkerTier creates the worker tier adapter.
func NewDelegationWorkerTier(repo delegation.WorkItemRepository, tracer trace.Tracer) *DelegationWorkerTier {
	return &DelegationWorkerTier{repo: repo, tracer: tracer}
}

// Handoff creates a claimable work item for job. Only a canceled item is
// replaced so the job runs again. Live items keep running and DONE or FAILED
// items are left for completion sync to collect.
func (t *DelegationWorkerTier) Handoff(ctx context.Context, job *scheduling.Job) error {
	ctx, span := t.tracer.Start(ctx, "worker_tier.handoff",
		trace.WithAttributes(attribute.String("job_id", job.JobID().String())))
	defer span.End()

	existing, err := t.repo.GetWorkItem(ctx, job.JobID())
	switch {
	case errors.Is(err, delegation.ErrWorkItemNotFound):
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("loading work item: %w", err)
	case existing.Status() != delegation.WorkItemStatusCanceled:
		span.AddEvent("item_kept", trace.WithAttributes(attribute.String("status", existing.Status().String())))
		return nil
	default:
		if err := t.repo.DeleteWorkItem(ctx, existing.JobID(), existing.Version()); err != nil {
			span.RecordError(err)
			return fmt.Errorf("replacing finished work item: %w", err)
		}
		span.AddEvent("finished_item_replaced")
	}

	item := delegation.NewWorkItem(job.JobID(), nil)
	if err := item.MarkReadyToStart(); err != nil {
		return err
	}
	if err := t.repo.CreateWorkItem(ctx, item); err != nil {
		if errors.Is(err, delegation.ErrWorkItemExists) {
			// Another dispatcher instance got there first.
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("creating work item: %w", err)
	}
	return nil
}

// RequestCancel forwards a cancel request to the work item. Missing and
// finished items are left untouched.
func (t *DelegationWorkerTier) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := t.tracer.Start(ctx, "worker_tier.request_cancel",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	for range maxCancelAttempts {
		item, err := t.repo.GetWorkItem(ctx, jobID)
		if errors.Is(err, delegation.ErrWorkItemNotFound) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("loading work item: %w", err)
		}

		changed, err := item.RequestCancel()
		if err != nil {
			return err
		}
		if !changed {
			span.AddEvent("nothing_to_cancel", trace.WithAttributes(attribute.String("status", item.Status().String())))
			return nil
		}

		err = t.repo.UpdateWorkItem(ctx, item)
		if err == nil {
			return nil
		}
		if !errors.Is(err, delegation.ErrVersionConflict) {
			span.RecordError(err)
			return fmt.Errorf("persisting cancel request: %w", err)
		}
		span.AddEvent("version_conflict")
	}
	return fmt.Errorf("persisting cancel request: %w", delegation.ErrVersionConflict)
}

// Outcome folds the work item state into the scheduling view.
func (t *DelegationWorkerTier) Outcome(ctx context.Context, jobID uuid.UUID) (scheduling.WorkOutcome, error) {
	item, err := t.repo.GetWorkItem(ctx, jobID)
	if errors.Is(err, delegation.ErrWorkItemNotFound) {
		return scheduling.WorkOutcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading work item: %w", err)
	}
	return toWorkOutcome(item.Status()), nil
}

func toWorkOutcome(s delegation.WorkItemStatus) scheduling.WorkOutcome {
	switch s {
	case delegation.WorkItemStatusDone:
		return scheduling.WorkOutcomeDone
	case delegation.WorkItemStatusFailed:
		return scheduling.WorkOutcomeFailed
	case delegation.WorkItemStatusCanceled:
		return scheduling.WorkOutcomeCanceled
	default:
		return scheduling.WorkOutcomePending
	}
}
