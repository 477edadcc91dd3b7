package delegation

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

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/infra/storage/delegation/memory"
)

// mockWorkItemRepo implements delegation.WorkItemRepository for testing.
type mockWorkItemRepo struct{ mock.Mock }

func (m *mockWorkItemRepo) CreateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	return m.Called(ctx, item).Error(0)
}

func (m *mockWorkItemRepo) GetWorkItem(ctx context.Context, jobID uuid.UUID) (*delegation.WorkItem, error) {
	args := m.Called(ctx, jobID)
	if item := args.Get(0); item != nil {
		return item.(*delegation.WorkItem), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkItemRepo) FindOldestReadyToStart(ctx context.Context) (*delegation.WorkItem, bool, error) {
	args := m.Called(ctx)
	if item := args.Get(0); item != nil {
		return item.(*delegation.WorkItem), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockWorkItemRepo) UpdateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	return m.Called(ctx, item).Error(0)
}

func (m *mockWorkItemRepo) DeleteWorkItem(ctx context.Context, jobID uuid.UUID, version int64) error {
	return m.Called(ctx, jobID, version).Error(0)
}

func (m *mockWorkItemRepo) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// mockSwitch implements shared.SchedulingSwitch for testing.
type mockSwitch struct{ mock.Mock }

func (m *mockSwitch) Enabled(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockSwitch) SetEnabled(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

// fakeQueue records submitted items and reports full once capacity is reached.
type fakeQueue struct {
	mu        sync.Mutex
	capacity  int
	submitted []*delegation.WorkItem
}

func (q *fakeQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.submitted) >= q.capacity
}

func (q *fakeQueue) Submit(_ context.Context, item *delegation.WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.submitted) >= q.capacity {
		return false
	}
	q.submitted = append(q.submitted, item)
	return true
}

func (q *fakeQueue) Submitted() []*delegation.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*delegation.WorkItem(nil), q.submitted...)
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
	types := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.EventType()
	}
	return types
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestMetrics(t *testing.T) WorkerMetrics {
	t.Helper()
	m, err := NewWorkerMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// readyItem returns an unsaved READY_TO_START item created at the given time.
func readyItem(t *testing.T, created time.Time) *delegation.WorkItem {
	t.Helper()
	item := delegation.NewWorkItem(uuid.New(), fixedClock{now: created})
	require.NoError(t, item.MarkReadyToStart())
	return item
}

// seedReady stores a READY_TO_START item and returns its job id.
func seedReady(t *testing.T, store *memory.WorkItemStore, created time.Time) uuid.UUID {
	t.Helper()
	item := readyItem(t, created)
	require.NoError(t, store.CreateWorkItem(context.Background(), item))
	return item.JobID()
}

// seedClaimed stores an item already claimed by owner and returns the copy a
// claim engine would hand to the execution queue.
func seedClaimed(t *testing.T, store *memory.WorkItemStore, owner string) *delegation.WorkItem {
	t.Helper()
	ctx := context.Background()
	jobID := seedReady(t, store, time.Now())

	item, err := store.GetWorkItem(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, item.Claim(owner))
	require.NoError(t, store.UpdateWorkItem(ctx, item))
	return item
}

// requestCancel applies a cancel request the way the producer tier does.
func requestCancel(t *testing.T, store *memory.WorkItemStore, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	item, err := store.GetWorkItem(ctx, jobID)
	require.NoError(t, err)
	changed, err := item.RequestCancel()
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, store.UpdateWorkItem(ctx, item))
}
