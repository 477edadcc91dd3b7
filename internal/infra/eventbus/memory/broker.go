// Package memory provides an in-process domain event broker. It is used when
// no Kafka brokers are configured and by tests that observe published events.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/scan-delegation/internal/domain/events"
)

// Handler receives a published event. Returning an error stops delivery of
// that event to later handlers and is returned to the publisher.
type Handler func(ctx context.Context, evt events.DomainEvent, params events.PublishParams) error

type subscription struct {
	types   []events.EventType
	handler Handler
}

func (s subscription) matches(t events.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

var _ events.DomainEventPublisher = (*Broker)(nil)

// Broker fans domain events out to subscribed handlers synchronously.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewBroker creates a broker without subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscription)}
}

// Subscribe registers handler for the given event types, or for every event
// when types is empty. The subscription ends when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, types []events.EventType, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{types: slices.Clone(types), handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	return nil
}

// PublishDomainEvent delivers evt to every matching handler in subscription
// order, stopping at the first error.
func (b *Broker) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := events.ApplyOptions(opts)

	// Copy the handlers so none runs while the lock is held.
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, s := range b.subs {
		if s.matches(evt.EventType()) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.subs[id].handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, evt, params); err != nil {
			return err
		}
	}
	return nil
}
