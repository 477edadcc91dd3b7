package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// StrategyID names a scheduling policy selectable by configuration.
type StrategyID string

const (
	StrategyFirstComeFirstServe   StrategyID = "first-come-first-serve"
	StrategyOnlyOneProjectAtATime StrategyID = "only-one-project-at-a-time"
)

// ParseStrategyID maps a configuration value to a StrategyID. Unknown or
// empty values fall back to first-come-first-serve.
func ParseStrategyID(s string) StrategyID {
	switch StrategyID(s) {
	case StrategyOnlyOneProjectAtATime:
		return StrategyOnlyOneProjectAtATime
	default:
		return StrategyFirstComeFirstServe
	}
}

func (id StrategyID) String() string { return string(id) }

// SchedulingStrategy selects the next job to dispatch. Returning found=false
// is the normal idle signal, not an error.
type SchedulingStrategy interface {
	ID() StrategyID
	NextJobID(ctx context.Context) (jobID uuid.UUID, found bool, err error)
}
