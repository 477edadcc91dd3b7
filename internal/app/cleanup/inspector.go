package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/scan-delegation/internal/domain/retention"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

var (
	_ retention.Inspector = (*LoggingInspector)(nil)
	_ retention.Inspector = (*CountingInspector)(nil)
)

// LoggingInspector writes every cleanup result to the log.
type LoggingInspector struct{ logger *logger.Logger }

// NewLoggingInspector returns the default inspector.
func NewLoggingInspector(l *logger.Logger) *LoggingInspector {
	return &LoggingInspector{logger: l.With("component", "cleanup_inspector")}
}

func (i *LoggingInspector) Inspect(ctx context.Context, r retention.CleanupResult) {
	i.logger.Info(ctx, "Auto cleanup executed",
		"class", r.Class,
		"variant", r.Variant,
		"cutoff", r.Cutoff.Format(time.RFC3339),
		"deleted", r.DeletedCount,
		"retention_days", r.RetentionInDays,
	)
}

// ResultKey identifies an accumulated counter in CountingInspector.
type ResultKey struct {
	Class   string
	Variant string
}

// CountingInspector accumulates deleted counts per (class, variant) so tests
// and local runs can assert on cleanup activity.
type CountingInspector struct {
	mu      sync.Mutex
	deleted map[ResultKey]int64
	runs    map[ResultKey]int
	last    map[ResultKey]retention.CleanupResult
}

// NewCountingInspector returns an empty CountingInspector.
func NewCountingInspector() *CountingInspector {
	return &CountingInspector{
		deleted: make(map[ResultKey]int64),
		runs:    make(map[ResultKey]int),
		last:    make(map[ResultKey]retention.CleanupResult),
	}
}

func (i *CountingInspector) Inspect(_ context.Context, r retention.CleanupResult) {
	key := ResultKey{Class: r.Class, Variant: r.Variant}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleted[key] += r.DeletedCount
	i.runs[key]++
	i.last[key] = r
}

// Deleted returns the total deleted count recorded for key.
func (i *CountingInspector) Deleted(key ResultKey) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deleted[key]
}

// Runs returns how many results were recorded for key.
func (i *CountingInspector) Runs(key ResultKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runs[key]
}

// Last returns the most recent result for key.
func (i *CountingInspector) Last(key ResultKey) (retention.CleanupResult, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.last[key]
	return r, ok
}
