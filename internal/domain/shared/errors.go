// Package shared holds domain types used by both the scheduling (producer)
// and delegation (worker) sides.
package shared

import (
	"errors"
	"fmt"
)

// StateTransitionError reports an attempt to move an entity into a state that
// its lifecycle does not allow. The entity is left unchanged.
type StateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition from %s to %s", e.Entity, e.From, e.To)
}

// IsStateTransitionError reports whether err wraps a *StateTransitionError.
func IsStateTransitionError(err error) bool {
	var ste *StateTransitionError
	return errors.As(err, &ste)
}
