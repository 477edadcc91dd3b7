package scheduling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/internal/domain/shared"
	"github.com/ahrav/scan-delegation/internal/infra/storage/scheduling/memory"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// flakyStore loses the first UpdateJob race and behaves normally after.
type flakyStore struct {
	*memory.JobStore
	conflicts int
}

func (f *flakyStore) UpdateJob(ctx context.Context, job *scheduling.Job) error {
	if f.conflicts > 0 {
		f.conflicts--
		return scheduling.ErrJobVersionConflict
	}
	return f.JobStore.UpdateJob(ctx, job)
}

func setupJobService(repo scheduling.JobRepository) (*JobService, *mockWorkerTier, *recordingPublisher) {
	tier := new(mockWorkerTier)
	publisher := new(recordingPublisher)
	return NewJobService(repo, tier, publisher, logger.Noop(), testTracer()), tier, publisher
}

func TestJobService_Submit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	svc, _, publisher := setupJobService(store)

	id, err := svc.Submit(ctx, SubmitJobCommand{
		ProjectID: "project-a",
		Owner:     "alice",
		Config:    json.RawMessage(`{"depth":1}`),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.JobStatusInitializing, job.Status())
	assert.Equal(t, "alice", job.Owner())
	assert.JSONEq(t, `{"depth":1}`, string(job.Config()))
	assert.Equal(t, []events.EventType{scheduling.EventTypeJobSubmitted}, publisher.Types())

	_, err = svc.Submit(ctx, SubmitJobCommand{Owner: "alice"})
	assert.Error(t, err)

	_, err = svc.Submit(ctx, SubmitJobCommand{JobID: id, ProjectID: "project-a"})
	assert.ErrorIs(t, err, scheduling.ErrJobExists)
}

func TestJobService_GetUnknownJob(t *testing.T) {
	svc, _, _ := setupJobService(memory.NewJobStore())
	_, err := svc.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scheduling.ErrJobNotFound)
}

func TestJobService_MarkReadyToStart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now())
	svc, _, _ := setupJobService(store)

	require.NoError(t, svc.MarkReadyToStart(ctx, job.JobID()))
	assert.Equal(t, scheduling.JobStatusReadyToStart, loadJob(t, store, job.JobID()).Status())

	err := svc.MarkReadyToStart(ctx, job.JobID())
	assert.True(t, shared.IsStateTransitionError(err))
}

func TestJobService_CancelBeforeDispatchResolvesImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready)
	svc, tier, publisher := setupJobService(store)

	require.NoError(t, svc.Cancel(ctx, job.JobID(), "bob"))

	got := loadJob(t, store, job.JobID())
	assert.Equal(t, scheduling.JobStatusCanceled, got.Status())
	_, ended := got.EndedAt()
	assert.True(t, ended)
	assert.Equal(t, []events.EventType{
		scheduling.EventTypeJobCancelRequested,
		scheduling.EventTypeJobCanceled,
	}, publisher.Types())
	tier.AssertNotCalled(t, "RequestCancel", mock.Anything, mock.Anything)
}

func TestJobService_CancelDispatchedJobForwardsToWorkers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started)
	svc, tier, _ := setupJobService(store)
	tier.On("RequestCancel", mock.Anything, job.JobID()).Return(nil).Once()

	require.NoError(t, svc.Cancel(ctx, job.JobID(), "bob"))

	got := loadJob(t, store, job.JobID())
	assert.Equal(t, scheduling.JobStatusCancelRequested, got.Status())
	assert.True(t, got.CancelPending())
	tier.AssertExpectations(t)
}

func TestJobService_CancelEndedJobIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started, func(j *scheduling.Job) error {
		return j.End(scheduling.JobResultOK)
	})
	before := loadJob(t, store, job.JobID())
	svc, tier, publisher := setupJobService(store)

	err := svc.Cancel(ctx, job.JobID(), "bob")
	require.Error(t, err)
	assert.True(t, shared.IsStateTransitionError(err))

	after := loadJob(t, store, job.JobID())
	assert.Equal(t, scheduling.JobStatusEnded, after.Status())
	assert.Equal(t, scheduling.JobResultOK, after.Result())
	assert.Equal(t, before.Version(), after.Version(), "a rejected transition writes nothing")
	assert.Empty(t, publisher.Types())
	tier.AssertNotCalled(t, "RequestCancel", mock.Anything, mock.Anything)
}

func TestJobService_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started)
	svc, tier, publisher := setupJobService(store)

	tier.On("RequestCancel", mock.Anything, job.JobID()).Return(nil).Once()
	require.NoError(t, svc.Pause(ctx, job.JobID()))
	assert.Equal(t, scheduling.JobStatusPaused, loadJob(t, store, job.JobID()).Status())

	tier.On("Outcome", mock.Anything, job.JobID()).Return(scheduling.WorkOutcomeCanceled, nil).Once()
	tier.On("Handoff", mock.Anything, mock.MatchedBy(func(j *scheduling.Job) bool {
		return j.JobID() == job.JobID() && j.Status() == scheduling.JobStatusStarted
	})).Return(nil).Once()
	require.NoError(t, svc.Resume(ctx, job.JobID()))
	assert.Equal(t, scheduling.JobStatusStarted, loadJob(t, store, job.JobID()).Status())

	assert.Equal(t, []events.EventType{scheduling.EventTypeJobPaused, scheduling.EventTypeJobResumed}, publisher.Types())
	tier.AssertExpectations(t)
}

func TestJobService_ResumeKeepsPendingCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started,
		func(j *scheduling.Job) error { return j.RequestCancel() },
		func(j *scheduling.Job) error { return j.Pause() },
	)
	svc, tier, _ := setupJobService(store)
	tier.On("Outcome", mock.Anything, job.JobID()).Return(scheduling.WorkOutcomeDone, nil).Once()
	tier.On("RequestCancel", mock.Anything, job.JobID()).Return(nil).Once()

	require.NoError(t, svc.Resume(ctx, job.JobID()))

	assert.Equal(t, scheduling.JobStatusCancelRequested, loadJob(t, store, job.JobID()).Status(),
		"a pending cancel wins over a finished execution")
	tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
	tier.AssertExpectations(t)
}

func TestJobService_ResumeKeepsFinishedResult(t *testing.T) {
	tests := []struct {
		name    string
		outcome scheduling.WorkOutcome
		want    scheduling.JobResult
	}{
		{name: "done", outcome: scheduling.WorkOutcomeDone, want: scheduling.JobResultOK},
		{name: "failed", outcome: scheduling.WorkOutcomeFailed, want: scheduling.JobResultFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewJobStore()
			job := seedJob(t, store, "project-a", time.Now(), ready, started,
				func(j *scheduling.Job) error { return j.Pause() },
			)
			svc, tier, publisher := setupJobService(store)
			tier.On("Outcome", mock.Anything, job.JobID()).Return(tt.outcome, nil).Once()

			require.NoError(t, svc.Resume(ctx, job.JobID()))

			got := loadJob(t, store, job.JobID())
			assert.Equal(t, scheduling.JobStatusEnded, got.Status())
			assert.Equal(t, tt.want, got.Result())
			assert.Equal(t, []events.EventType{scheduling.EventTypeJobResumed, scheduling.EventTypeJobEnded}, publisher.Types())
			tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
			tier.AssertExpectations(t)
		})
	}
}

func TestJobService_ResumeFailsWhenOutcomeIsUnknown(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started,
		func(j *scheduling.Job) error { return j.Pause() },
	)
	svc, tier, publisher := setupJobService(store)
	tier.On("Outcome", mock.Anything, job.JobID()).Return(scheduling.WorkOutcome(""), assert.AnError).Once()

	err := svc.Resume(ctx, job.JobID())
	require.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, scheduling.JobStatusPaused, loadJob(t, store, job.JobID()).Status())
	assert.Empty(t, publisher.Types())
}

func TestJobService_CancelPausedJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := seedJob(t, store, "project-a", time.Now(), ready, started,
		func(j *scheduling.Job) error { return j.Pause() },
	)
	svc, tier, _ := setupJobService(store)
	tier.On("RequestCancel", mock.Anything, job.JobID()).Return(nil).Once()

	require.NoError(t, svc.Cancel(ctx, job.JobID(), "bob"))

	got := loadJob(t, store, job.JobID())
	assert.Equal(t, scheduling.JobStatusCancelRequested, got.Status())
	assert.True(t, got.CancelPending())
	tier.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything)
	tier.AssertExpectations(t)
}

func TestJobService_RetriesLostVersionRace(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{JobStore: memory.NewJobStore(), conflicts: 1}
	job := seedJob(t, store.JobStore, "project-a", time.Now())
	svc, _, _ := setupJobService(store)

	require.NoError(t, svc.MarkReadyToStart(ctx, job.JobID()))
	assert.Equal(t, scheduling.JobStatusReadyToStart, loadJob(t, store.JobStore, job.JobID()).Status())
}

func TestJobService_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{JobStore: memory.NewJobStore(), conflicts: maxUpdateAttempts}
	job := seedJob(t, store.JobStore, "project-a", time.Now())
	svc, _, _ := setupJobService(store)

	err := svc.MarkReadyToStart(ctx, job.JobID())
	assert.ErrorIs(t, err, scheduling.ErrJobVersionConflict)
	assert.Equal(t, scheduling.JobStatusInitializing, loadJob(t, store.JobStore, job.JobID()).Status())
}
