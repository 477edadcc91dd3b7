package shared

import "context"

// SchedulingSwitch is the cluster-wide toggle operators flip to pause
// dispatch or claim cycles without stopping processes, e.g. during rolling
// upgrades.
type SchedulingSwitch interface {
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
}

// Switch names used by the two tiers.
const (
	SwitchDispatch = "dispatch"
	SwitchClaims   = "claims"
)
