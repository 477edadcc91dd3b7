package delegation

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/events"
)

const (
	EventTypeWorkItemClaimed  events.EventType = "WorkItemClaimed"
	EventTypeWorkItemFinished events.EventType = "WorkItemFinished"
)

// WorkItemEvent is published when an instance claims an item and when the
// item reaches a terminal state.
type WorkItemEvent struct {
	Type   events.EventType `json:"type"`
	JobID  uuid.UUID        `json:"job_id"`
	Owner  string           `json:"owner"`
	Status WorkItemStatus   `json:"status"`
	At     time.Time        `json:"occurred_at"`
}

// NewWorkItemEvent snapshots the item into an event of the given type.
func NewWorkItemEvent(t events.EventType, item *WorkItem) WorkItemEvent {
	return WorkItemEvent{
		Type:   t,
		JobID:  item.JobID(),
		Owner:  item.Owner(),
		Status: item.Status(),
		At:     time.Now().UTC(),
	}
}

func (e WorkItemEvent) EventType() events.EventType { return e.Type }
func (e WorkItemEvent) OccurredAt() time.Time       { return e.At }
