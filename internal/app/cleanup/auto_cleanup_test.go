package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-delegation/internal/domain/retention"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

type mockTimeProvider struct{ now time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.now }

type mockPurger struct{ mock.Mock }

func (m *mockPurger) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// endedStore keeps end times of terminal entries and deletes them like a
// real store would.
type endedStore struct {
	mu    sync.Mutex
	ended []time.Time
}

func (s *endedStore) DeleteTerminalEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []time.Time
	var deleted int64
	for _, e := range s.ended {
		if e.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.ended = kept
	return deleted, nil
}

func newTestService(t *testing.T, purger retention.Purger, days int64, inspector retention.Inspector, now time.Time) *AutoCleanupService {
	t.Helper()
	svc, err := NewAutoCleanupService(
		"scheduler",
		"scan_jobs",
		purger,
		func() int64 { return days },
		inspector,
		time.Hour,
		metricnoop.NewMeterProvider(),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)
	svc.timeProvider = &mockTimeProvider{now: now}
	return svc
}

func TestAutoCleanup_DisabledRetentionSkipsRepository(t *testing.T) {
	for _, days := range []int64{0, -1, -365} {
		t.Run(fmt.Sprintf("retention %d days", days), func(t *testing.T) {
			purger := new(mockPurger)
			inspector := NewCountingInspector()
			svc := newTestService(t, purger, days, inspector, time.Now())

			ran, err := svc.Cleanup(context.Background())
			require.NoError(t, err)
			assert.False(t, ran)

			purger.AssertNotCalled(t, "DeleteTerminalEndedBefore", mock.Anything, mock.Anything)
			assert.Equal(t, 0, inspector.Runs(ResultKey{Class: "scheduler", Variant: "scan_jobs"}))
		})
	}
}

func TestAutoCleanup_ComputesCutoffAndReports(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	wantCutoff := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	purger := new(mockPurger)
	purger.On("DeleteTerminalEndedBefore", mock.Anything, wantCutoff).Return(int64(4), nil).Once()

	inspector := NewCountingInspector()
	svc := newTestService(t, purger, 7, inspector, now)

	ran, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	purger.AssertExpectations(t)

	key := ResultKey{Class: "scheduler", Variant: "scan_jobs"}
	assert.Equal(t, int64(4), inspector.Deleted(key))
	last, ok := inspector.Last(key)
	require.True(t, ok)
	assert.Equal(t, wantCutoff, last.Cutoff)
	assert.Equal(t, int64(7), last.RetentionInDays)
}

func TestAutoCleanup_SecondRunDeletesNothing(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	store := &endedStore{ended: []time.Time{
		now.Add(-30 * 24 * time.Hour),
		now.Add(-10 * 24 * time.Hour),
		now.Add(-time.Hour),
	}}

	inspector := NewCountingInspector()
	svc := newTestService(t, store, 5, inspector, now)
	key := ResultKey{Class: "scheduler", Variant: "scan_jobs"}

	_, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	first, _ := inspector.Last(key)
	assert.Equal(t, int64(2), first.DeletedCount)

	_, err = svc.Cleanup(context.Background())
	require.NoError(t, err)
	second, _ := inspector.Last(key)
	assert.Equal(t, int64(0), second.DeletedCount)

	assert.Equal(t, int64(2), inspector.Deleted(key))
	assert.Equal(t, 2, inspector.Runs(key))
}

func TestAutoCleanup_HugeRetentionKeepsRecentEntries(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	store := &endedStore{ended: []time.Time{
		now.Add(-time.Hour),
		now.Add(-2 * 24 * time.Hour),
	}}

	inspector := NewCountingInspector()
	svc := newTestService(t, store, 200_000, inspector, now)

	ran, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	res, ok := inspector.Last(ResultKey{Class: "scheduler", Variant: "scan_jobs"})
	require.True(t, ok)
	assert.Equal(t, int64(0), res.DeletedCount)
	assert.True(t, res.Cutoff.Before(now))
	assert.Len(t, store.ended, 2)
}

func TestAutoCleanup_PurgeErrorIsReturnedWithoutInspection(t *testing.T) {
	purger := new(mockPurger)
	purger.On("DeleteTerminalEndedBefore", mock.Anything, mock.Anything).
		Return(int64(0), errors.New("connection refused")).Once()

	inspector := NewCountingInspector()
	svc := newTestService(t, purger, 1, inspector, time.Now())

	_, err := svc.Cleanup(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, inspector.Runs(ResultKey{Class: "scheduler", Variant: "scan_jobs"}))
}

func TestAutoCleanup_RetentionReadEveryCycle(t *testing.T) {
	days := int64(0)
	purger := new(mockPurger)
	purger.On("DeleteTerminalEndedBefore", mock.Anything, mock.Anything).Return(int64(0), nil).Once()

	svc, err := NewAutoCleanupService(
		"worker", "work_items", purger,
		func() int64 { return days },
		NewCountingInspector(),
		time.Hour,
		metricnoop.NewMeterProvider(),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)

	ran, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	days = 3
	ran, err = svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	purger.AssertExpectations(t)
}
