package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/internal/infra/storage/scheduling/memory"
)

// mockWorkerTier implements scheduling.WorkerTier for testing.
type mockWorkerTier struct{ mock.Mock }

func (m *mockWorkerTier) Handoff(ctx context.Context, job *scheduling.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockWorkerTier) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockWorkerTier) Outcome(ctx context.Context, jobID uuid.UUID) (scheduling.WorkOutcome, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(scheduling.WorkOutcome), args.Error(1)
}

// mockJobQueueReader implements scheduling.JobQueueReader for testing.
type mockJobQueueReader struct{ mock.Mock }

func (m *mockJobQueueReader) FindOldestReadyJob(ctx context.Context, excluded []string) (uuid.UUID, bool, error) {
	args := m.Called(ctx, excluded)
	return args.Get(0).(uuid.UUID), args.Bool(1), args.Error(2)
}

func (m *mockJobQueueReader) ListActiveProjects(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []events.EventType
	for _, e := range p.events {
		types = append(types, e.EventType())
	}
	return types
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestMetrics(t *testing.T) SchedulerMetrics {
	t.Helper()
	m, err := NewSchedulerMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// seedJob stores a job for project created at the given time and moves it
// through the listed lifecycle steps.
func seedJob(
	t *testing.T,
	store *memory.JobStore,
	project string,
	created time.Time,
	steps ...func(*scheduling.Job) error,
) *scheduling.Job {
	t.Helper()
	job := scheduling.NewJob(uuid.New(), project, "alice", nil, fixedClock{now: created})
	for _, step := range steps {
		require.NoError(t, step(job))
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func ready(j *scheduling.Job) error   { return j.MarkReadyToStart() }
func started(j *scheduling.Job) error { return j.Start() }

func loadJob(t *testing.T, store *memory.JobStore, id uuid.UUID) *scheduling.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}
