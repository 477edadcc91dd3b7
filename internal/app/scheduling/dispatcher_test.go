package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/internal/domain/shared"
	clustermemory "github.com/ahrav/scan-delegation/internal/infra/storage/cluster/memory"
	"github.com/ahrav/scan-delegation/internal/infra/storage/scheduling/memory"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// conflictingStore loses every UpdateJob race.
type conflictingStore struct{ *memory.JobStore }

func (conflictingStore) UpdateJob(context.Context, *scheduling.Job) error {
	return scheduling.ErrJobVersionConflict
}

func setupDispatcher(
	t *testing.T,
	repo scheduling.JobRepository,
	toggle shared.SchedulingSwitch,
	maxPerCycle int,
) (*Dispatcher, *mockWorkerTier, *recordingPublisher) {
	t.Helper()
	tier := new(mockWorkerTier)
	publisher := new(recordingPublisher)
	d := NewDispatcher(
		DispatchConfig{InitialDelay: time.Millisecond, FixedDelay: time.Millisecond, MaxPerCycle: maxPerCycle},
		NewStrategy(scheduling.StrategyFirstComeFirstServe, repo),
		repo,
		tier,
		toggle,
		publisher,
		newTestMetrics(t),
		logger.Noop(),
		testTracer(),
	)
	return d, tier, publisher
}

func TestDispatchNext_StartsAndHandsOffOldestJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	first := seedJob(t, store, "project-a", base, ready)
	second := seedJob(t, store, "project-b", base.Add(time.Minute), ready)

	d, tier, publisher := setupDispatcher(t, store, clustermemory.NewSwitch(), 1)
	tier.On("Handoff", mock.Anything, mock.MatchedBy(func(j *scheduling.Job) bool {
		return j.JobID() == first.JobID() && j.Status() == scheduling.JobStatusStarted
	})).Return(nil).Once()

	outcome, err := d.DispatchNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchOutcomeStarted, outcome)

	got := loadJob(t, store, first.JobID())
	assert.Equal(t, scheduling.JobStatusStarted, got.Status())
	_, startedSet := got.StartedAt()
	assert.True(t, startedSet)
	assert.Equal(t, scheduling.JobStatusReadyToStart, loadJob(t, store, second.JobID()).Status())
	assert.Equal(t, []events.EventType{scheduling.EventTypeJobStarted}, publisher.Types())
	tier.AssertExpectations(t)
}

func TestDispatchNext_Idle(t *testing.T) {
	d, tier, _ := setupDispatcher(t, memory.NewJobStore(), nil, 1)

	outcome, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchOutcomeIdle, outcome)
	tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
}

func TestDispatchNext_DisabledSwitch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready)

	toggle := clustermemory.NewSwitch()
	require.NoError(t, toggle.SetEnabled(ctx, false))
	d, tier, _ := setupDispatcher(t, store, toggle, 1)

	outcome, err := d.DispatchNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchOutcomeDisabled, outcome)
	assert.Equal(t, scheduling.JobStatusReadyToStart, loadJob(t, store, job.JobID()).Status())
	tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
}

func TestDispatchNext_LostRaceIsQuiet(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready)

	d, tier, publisher := setupDispatcher(t, conflictingStore{store}, nil, 1)

	outcome, err := d.DispatchNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchOutcomeLost, outcome)
	assert.Equal(t, scheduling.JobStatusReadyToStart, loadJob(t, store, job.JobID()).Status())
	assert.Empty(t, publisher.Types())
	tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
}

func TestDispatchNext_FailedHandoffKeepsJobStarted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready)

	d, tier, _ := setupDispatcher(t, store, nil, 1)
	tier.On("Handoff", mock.Anything, mock.Anything).Return(errors.New("store unavailable")).Once()

	outcome, err := d.DispatchNext(ctx)
	require.Error(t, err)
	assert.Equal(t, DispatchOutcomeStarted, outcome)
	assert.Equal(t, scheduling.JobStatusStarted, loadJob(t, store, job.JobID()).Status())
}

func TestDispatcher_CycleHonorsMaxPerCycle(t *testing.T) {
	store := memory.NewJobStore()
	base := time.Now()
	for i := range 5 {
		seedJob(t, store, "project", base.Add(time.Duration(i)*time.Second), ready)
	}

	d, tier, _ := setupDispatcher(t, store, nil, 3)
	tier.On("Handoff", mock.Anything, mock.Anything).Return(nil)

	d.runCycle(context.Background())

	startedJobs, err := store.ListJobsByStatus(context.Background(), []scheduling.JobStatus{scheduling.JobStatusStarted}, 0)
	require.NoError(t, err)
	assert.Len(t, startedJobs, 3)
	tier.AssertNumberOfCalls(t, "Handoff", 3)
}
