package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// maxPersistAttempts bounds how often a single state write is retried after
// losing a version race to a concurrent cancel request.
const maxPersistAttempts = 5

// defaultShutdownGrace is how long a stopping queue lets running executions
// finish before interrupting them.
const defaultShutdownGrace = 30 * time.Second

var errPersistConflicts = errors.New("too many version conflicts persisting work item")

// completion is what an execution goroutine reports back. Exactly one is
// sent per accepted item.
type completion struct {
	jobID  uuid.UUID
	result json.RawMessage
	err    error
	// interrupted marks executions stopped by shutdown rather than by the
	// backend. Their items are released instead of failed.
	interrupted bool
}

// CompletionHook observes items after their terminal state was persisted.
type CompletionHook func(ctx context.Context, item *delegation.WorkItem)

// ExecutionQueue bounds how many work items this instance executes at once.
// Submit never blocks: callers check IsFull first and skip their cycle when
// it reports true. Occupancy is released by the completion loop started with
// Start, never by polling.
type ExecutionQueue struct {
	capacity int

	mu       sync.Mutex
	occupied int
	closed   bool

	repo      delegation.WorkItemRepository
	executor  Executor
	publisher events.DomainEventPublisher
	onDone    CompletionHook

	completions chan completion
	inflight    sync.WaitGroup
	done        chan struct{}

	// Executions outlive the caller's context and are only interrupted
	// through abort, once the shutdown grace period is over.
	grace    time.Duration
	abortCtx context.Context
	abort    context.CancelFunc

	metrics WorkerMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// ExecutionQueueOption configures optional ExecutionQueue behavior.
type ExecutionQueueOption func(*ExecutionQueue)

// WithCompletionHook registers fn to run after every persisted terminal state.
func WithCompletionHook(fn CompletionHook) ExecutionQueueOption {
	return func(q *ExecutionQueue) { q.onDone = fn }
}

// WithShutdownGrace sets how long running executions may keep going after
// the queue was told to stop. Zero interrupts them right away.
func WithShutdownGrace(d time.Duration) ExecutionQueueOption {
	return func(q *ExecutionQueue) {
		if d >= 0 {
			q.grace = d
		}
	}
}

// NewExecutionQueue creates a queue holding at most capacity items.
func NewExecutionQueue(
	capacity int,
	repo delegation.WorkItemRepository,
	executor Executor,
	publisher events.DomainEventPublisher,
	metrics WorkerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ExecutionQueueOption,
) *ExecutionQueue {
	if capacity < 1 {
		capacity = 1
	}
	abortCtx, abort := context.WithCancel(context.Background())
	q := &ExecutionQueue{
		capacity:    capacity,
		repo:        repo,
		executor:    executor,
		publisher:   publisher,
		completions: make(chan completion, capacity),
		done:        make(chan struct{}),
		grace:       defaultShutdownGrace,
		abortCtx:    abortCtx,
		abort:       abort,
		metrics:     metrics,
		logger:      logger.With("component", "execution_queue"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Capacity returns the maximum number of items held at once.
func (q *ExecutionQueue) Capacity() int { return q.capacity }

// Occupancy returns the number of items currently held.
func (q *ExecutionQueue) Occupancy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.occupied
}

// IsFull reports whether Submit would reject an item right now.
func (q *ExecutionQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || q.occupied >= q.capacity
}

// Submit reserves a slot for a claimed item and starts executing it in the
// background. It returns false without side effects when the queue is full
// or shutting down. The execution keeps the values of ctx but not its
// cancellation.
func (q *ExecutionQueue) Submit(ctx context.Context, item *delegation.WorkItem) bool {
	q.mu.Lock()
	if q.closed || q.occupied >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.occupied++
	q.inflight.Add(1)
	q.mu.Unlock()

	q.metrics.SetOccupancy(ctx, 1)

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(q.abortCtx, cancel)
	go func() {
		defer cancel()
		defer stop()
		q.execute(execCtx, item)
	}()
	return true
}

// Start launches the completion loop. When ctx is done the queue stops
// accepting items and gives running executions the shutdown grace period to
// finish. Executions still running after that are interrupted and their
// items released back to the shared store. Wait returns once every
// outcome was persisted.
func (q *ExecutionQueue) Start(ctx context.Context) {
	go q.loop(ctx)
}

// Wait blocks until the completion loop exited after shutdown.
func (q *ExecutionQueue) Wait() { <-q.done }

func (q *ExecutionQueue) loop(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case c := <-q.completions:
			q.finish(ctx, c)
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (q *ExecutionQueue) drain(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(idle)
	}()

	grace := time.NewTimer(q.grace)
	defer grace.Stop()
	defer q.abort()

	for {
		select {
		case c := <-q.completions:
			q.finish(ctx, c)
		case <-grace.C:
			q.logger.Warn(ctx, "Shutdown grace period elapsed, interrupting running executions",
				"grace", q.grace.String(),
			)
			q.abort()
		case <-idle:
			for {
				select {
				case c := <-q.completions:
					q.finish(ctx, c)
				default:
					q.logger.Info(ctx, "Execution queue drained")
					return
				}
			}
		}
	}
}

func (q *ExecutionQueue) execute(ctx context.Context, item *delegation.WorkItem) {
	defer q.inflight.Done()

	c := completion{jobID: item.JobID()}
	defer func() {
		if r := recover(); r != nil {
			c.result, c.err = nil, fmt.Errorf("executor panic: %v", r)
		}
		q.completions <- c
	}()

	started, err := q.markRunning(ctx, item)
	switch {
	case err != nil:
		c.err = err
	case !started:
		c.err = delegation.ErrCancelRequested
	default:
		c.result, c.err = q.executor.Execute(ctx, ExecutionRequest{
			JobID:      item.JobID(),
			checkpoint: cancelCheckpoint(q.repo, item.JobID()),
		})
	}
	c.interrupted = c.err != nil && q.abortCtx.Err() != nil
}

// markRunning moves a claimed item to RUNNING. It reports false when a
// cancel request arrived first, in which case nothing must execute.
func (q *ExecutionQueue) markRunning(ctx context.Context, item *delegation.WorkItem) (bool, error) {
	jobID := item.JobID()
	for range maxPersistAttempts {
		if item.Status() == delegation.WorkItemStatusCancelRequested {
			return false, nil
		}
		if err := item.MarkRunning(); err != nil {
			return false, err
		}

		err := q.repo.UpdateWorkItem(ctx, item)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, delegation.ErrVersionConflict) {
			return false, fmt.Errorf("marking work item running (job_id: %s): %w", jobID, err)
		}

		if item, err = q.repo.GetWorkItem(ctx, jobID); err != nil {
			return false, fmt.Errorf("reloading work item (job_id: %s): %w", jobID, err)
		}
	}
	return false, errPersistConflicts
}

// finish persists the terminal state for c and releases its slot. A pending
// cancel request always wins over the execution outcome.
func (q *ExecutionQueue) finish(ctx context.Context, c completion) {
	defer q.release(ctx)

	ctx, span := q.tracer.Start(ctx, "execution_queue.finish",
		trace.WithAttributes(attribute.String("job_id", c.jobID.String())))
	defer span.End()

	for range maxPersistAttempts {
		item, err := q.repo.GetWorkItem(ctx, c.jobID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load work item")
			q.logger.Error(ctx, "Failed to load finished work item", "job_id", c.jobID, "error", err)
			return
		}
		if item.Status().IsTerminal() {
			span.AddEvent("already_terminal")
			return
		}

		if c.interrupted && item.Status() != delegation.WorkItemStatusCancelRequested {
			if q.releaseItem(ctx, span, item) {
				return
			}
			continue
		}

		switch {
		case item.Status() == delegation.WorkItemStatusCancelRequested:
			err = item.Cancel()
		case c.err != nil:
			err = item.Fail(c.err.Error())
		default:
			err = item.Complete(c.result)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid terminal transition")
			q.logger.Error(ctx, "Cannot resolve work item", "job_id", c.jobID, "status", item.Status(), "error", err)
			return
		}

		err = q.repo.UpdateWorkItem(ctx, item)
		if errors.Is(err, delegation.ErrVersionConflict) {
			span.AddEvent("version_conflict")
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist terminal state")
			q.logger.Error(ctx, "Failed to persist terminal state", "job_id", c.jobID, "error", err)
			return
		}

		q.metrics.IncExecutionsFinished(ctx, item.Status().String())
		span.SetAttributes(attribute.String("status", item.Status().String()))
		q.logger.Info(ctx, "Work item finished", "job_id", c.jobID, "status", item.Status())

		evt := delegation.NewWorkItemEvent(delegation.EventTypeWorkItemFinished, item)
		if err := q.publisher.PublishDomainEvent(ctx, evt, events.WithKey(c.jobID.String())); err != nil {
			q.logger.Warn(ctx, "Failed to publish work item finished event", "job_id", c.jobID, "error", err)
		}
		if q.onDone != nil {
			q.onDone(ctx, item)
		}
		return
	}

	span.SetStatus(codes.Error, "too many conflicts")
	q.logger.Error(ctx, "Giving up persisting terminal state", "job_id", c.jobID, "error", errPersistConflicts)
}

// releaseItem removes an item whose execution was cut short by shutdown so
// the producer hands the job off again. It reports false when a version
// conflict calls for a fresh read.
func (q *ExecutionQueue) releaseItem(ctx context.Context, span trace.Span, item *delegation.WorkItem) bool {
	err := q.repo.DeleteWorkItem(ctx, item.JobID(), item.Version())
	if errors.Is(err, delegation.ErrVersionConflict) {
		span.AddEvent("version_conflict")
		return false
	}
	if err != nil && !errors.Is(err, delegation.ErrWorkItemNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to release work item")
		q.logger.Error(ctx, "Failed to release interrupted work item", "job_id", item.JobID(), "error", err)
		return true
	}

	q.metrics.IncExecutionsFinished(ctx, "RELEASED")
	span.SetAttributes(attribute.String("status", "RELEASED"))
	q.logger.Info(ctx, "Released interrupted work item", "job_id", item.JobID(), "status", item.Status())
	return true
}

func (q *ExecutionQueue) release(ctx context.Context) {
	q.mu.Lock()
	q.occupied--
	q.mu.Unlock()
	q.metrics.SetOccupancy(ctx, -1)
}
