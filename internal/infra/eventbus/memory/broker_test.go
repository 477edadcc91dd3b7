package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-delegation/internal/domain/events"
)

type testEvent struct{ kind events.EventType }

func (e testEvent) EventType() events.EventType { return e.kind }
func (testEvent) OccurredAt() time.Time         { return time.Time{} }

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var got []events.PublishParams
	err := broker.Subscribe(ctx, []events.EventType{"JobStarted"}, func(_ context.Context, evt events.DomainEvent, p events.PublishParams) error {
		assert.Equal(t, events.EventType("JobStarted"), evt.EventType())
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, broker.PublishDomainEvent(ctx, testEvent{kind: "JobStarted"}, events.WithKey("job-1")))
	require.NoError(t, broker.PublishDomainEvent(ctx, testEvent{kind: "JobEnded"}))

	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].Key)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 3 {
		err := broker.Subscribe(ctx, nil, func(context.Context, events.DomainEvent, events.PublishParams) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, broker.PublishDomainEvent(ctx, testEvent{kind: "WorkItemClaimed"}))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	boom := errors.New("handler failed")

	calls := 0
	require.NoError(t, broker.Subscribe(ctx, nil, func(context.Context, events.DomainEvent, events.PublishParams) error {
		calls++
		return boom
	}))
	require.NoError(t, broker.Subscribe(ctx, nil, func(context.Context, events.DomainEvent, events.PublishParams) error {
		calls++
		return nil
	}))

	err := broker.PublishDomainEvent(ctx, testEvent{kind: "JobEnded"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	subCtx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	require.NoError(t, broker.Subscribe(subCtx, nil, func(context.Context, events.DomainEvent, events.PublishParams) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}))
	cancel()

	assert.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(broker.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.PublishDomainEvent(context.Background(), testEvent{kind: "JobEnded"}))
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestInvalidSubscriptions(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	assert.Error(t, broker.Subscribe(context.Background(), nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, broker.Subscribe(ctx, nil, func(context.Context, events.DomainEvent, events.PublishParams) error { return nil }), context.Canceled)
	assert.ErrorIs(t, broker.PublishDomainEvent(ctx, testEvent{kind: "JobEnded"}), context.Canceled)
}
