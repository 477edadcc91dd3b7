package scheduling

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SchedulerMetrics defines the metrics recorded by the producer loops.
type SchedulerMetrics interface {
	IncDispatched(ctx context.Context, strategy string)
	IncDispatchSkipped(ctx context.Context, reason string)
	IncDispatchConflicts(ctx context.Context)
	IncHandoffs(ctx context.Context)
	IncJobsResolved(ctx context.Context, status string)
	IncSyncErrors(ctx context.Context)
}

type schedulerMetrics struct {
	dispatched metric.Int64Counter
	skipped    metric.Int64Counter
	conflicts  metric.Int64Counter
	handoffs   metric.Int64Counter
	resolved   metric.Int64Counter
	syncErrors metric.Int64Counter
}

const namespace = "scheduler"

// NewSchedulerMetrics creates the scheduler metric instruments on mp.
func NewSchedulerMetrics(mp metric.MeterProvider) (*schedulerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(schedulerMetrics)
	var err error

	if m.dispatched, err = meter.Int64Counter(
		"jobs_dispatched_total",
		metric.WithDescription("Total number of jobs started by the dispatcher"),
	); err != nil {
		return nil, err
	}

	if m.skipped, err = meter.Int64Counter(
		"dispatch_cycles_skipped_total",
		metric.WithDescription("Total number of dispatch cycles that started nothing"),
	); err != nil {
		return nil, err
	}

	if m.conflicts, err = meter.Int64Counter(
		"dispatch_conflicts_total",
		metric.WithDescription("Total number of dispatch attempts lost to another instance"),
	); err != nil {
		return nil, err
	}

	if m.handoffs, err = meter.Int64Counter(
		"worker_handoffs_total",
		metric.WithDescription("Total number of jobs handed to the worker tier"),
	); err != nil {
		return nil, err
	}

	if m.resolved, err = meter.Int64Counter(
		"jobs_resolved_total",
		metric.WithDescription("Total number of jobs moved to a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.syncErrors, err = meter.Int64Counter(
		"completion_sync_errors_total",
		metric.WithDescription("Total number of jobs the completion sync failed to reconcile"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *schedulerMetrics) IncDispatched(ctx context.Context, strategy string) {
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *schedulerMetrics) IncDispatchSkipped(ctx context.Context, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *schedulerMetrics) IncDispatchConflicts(ctx context.Context) { m.conflicts.Add(ctx, 1) }
func (m *schedulerMetrics) IncHandoffs(ctx context.Context)          { m.handoffs.Add(ctx, 1) }

func (m *schedulerMetrics) IncJobsResolved(ctx context.Context, status string) {
	m.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *schedulerMetrics) IncSyncErrors(ctx context.Context) { m.syncErrors.Add(ctx, 1) }
