// Package memory provides an in-process SchedulingSwitch.
package memory

import (
	"context"
	"sync/atomic"

	"github.com/ahrav/scan-delegation/internal/domain/shared"
)

var _ shared.SchedulingSwitch = (*Switch)(nil)

// Switch is a SchedulingSwitch held in memory. It starts enabled.
type Switch struct{ disabled atomic.Bool }

// NewSwitch returns an enabled switch.
func NewSwitch() *Switch { return new(Switch) }

func (s *Switch) Enabled(context.Context) (bool, error) { return !s.disabled.Load(), nil }

func (s *Switch) SetEnabled(_ context.Context, enabled bool) error {
	s.disabled.Store(!enabled)
	return nil
}
