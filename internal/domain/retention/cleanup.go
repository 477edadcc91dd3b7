// Package retention defines the ports of the periodic cleanup that removes
// aged terminal jobs and work items.
package retention

import (
	"context"
	"math"
	"time"
)

// CleanupResult describes one cleanup run. It is handed to an Inspector and
// never persisted.
type CleanupResult struct {
	// Class identifies the component that ran the cleanup.
	Class string
	// Variant identifies what was cleaned, e.g. the table.
	Variant string

	Cutoff          time.Time
	DeletedCount    int64
	RetentionInDays int64
}

// Purger deletes terminal entries whose end time lies before cutoff.
// Implementations must never touch non-terminal entries.
type Purger interface {
	DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgerFunc adapts a function to the Purger interface.
type PurgerFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f PurgerFunc) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}

// Inspector receives the result of every effective cleanup run.
type Inspector interface {
	Inspect(ctx context.Context, result CleanupResult)
}

// RetentionFunc returns the configured retention in days. Values <= 0
// disable cleanup.
type RetentionFunc func() int64

// MaxRetentionDays is the largest retention whose length still fits in a
// time.Duration. Longer retentions are treated as this value.
const MaxRetentionDays = int64(math.MaxInt64 / int64(24*time.Hour))

// Cutoff returns the retention boundary for now and days. The cutoff never
// lies after now, whatever days is.
func Cutoff(now time.Time, days int64) time.Time {
	if days <= 0 {
		return now
	}
	days = min(days, MaxRetentionDays)
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
