package delegation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics defines the metrics recorded by the claim engine and the
// execution queue.
type WorkerMetrics interface {
	// Claim metrics
	IncClaimCyclesSkipped(ctx context.Context, reason string)
	IncClaims(ctx context.Context)
	IncClaimConflicts(ctx context.Context)
	IncClaimErrors(ctx context.Context)

	// Execution metrics
	SetOccupancy(ctx context.Context, delta int64)
	IncExecutionsFinished(ctx context.Context, status string)
}

type workerMetrics struct {
	cyclesSkipped metric.Int64Counter
	claims        metric.Int64Counter
	conflicts     metric.Int64Counter
	claimErrors   metric.Int64Counter

	occupancy metric.Int64UpDownCounter
	finished  metric.Int64Counter
}

const namespace = "worker"

// NewWorkerMetrics creates the worker metric instruments on mp.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.cyclesSkipped, err = meter.Int64Counter(
		"claim_cycles_skipped_total",
		metric.WithDescription("Total number of claim cycles skipped without touching the queue"),
	); err != nil {
		return nil, err
	}

	if m.claims, err = meter.Int64Counter(
		"claims_total",
		metric.WithDescription("Total number of work items claimed by this instance"),
	); err != nil {
		return nil, err
	}

	if m.conflicts, err = meter.Int64Counter(
		"claim_conflicts_total",
		metric.WithDescription("Total number of claim attempts lost to another instance"),
	); err != nil {
		return nil, err
	}

	if m.claimErrors, err = meter.Int64Counter(
		"claim_errors_total",
		metric.WithDescription("Total number of claim cycles aborted by storage errors"),
	); err != nil {
		return nil, err
	}

	if m.occupancy, err = meter.Int64UpDownCounter(
		"execution_queue_occupancy",
		metric.WithDescription("Number of work items held by the local execution queue"),
	); err != nil {
		return nil, err
	}

	if m.finished, err = meter.Int64Counter(
		"executions_finished_total",
		metric.WithDescription("Total number of work items that reached a terminal state on this instance"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncClaimCyclesSkipped(ctx context.Context, reason string) {
	m.cyclesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *workerMetrics) IncClaims(ctx context.Context)         { m.claims.Add(ctx, 1) }
func (m *workerMetrics) IncClaimConflicts(ctx context.Context) { m.conflicts.Add(ctx, 1) }
func (m *workerMetrics) IncClaimErrors(ctx context.Context)    { m.claimErrors.Add(ctx, 1) }

func (m *workerMetrics) SetOccupancy(ctx context.Context, delta int64) {
	m.occupancy.Add(ctx, delta)
}

func (m *workerMetrics) IncExecutionsFinished(ctx context.Context, status string) {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
