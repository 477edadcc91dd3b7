// Package cleanup runs the periodic retention sweep shared by the scheduler
// and the worker services.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/retention"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// AutoCleanupService deletes terminal entries older than the configured
// retention on a fixed interval and reports each run to an Inspector.
type AutoCleanupService struct {
	class   string
	variant string

	purger    retention.Purger
	retention retention.RetentionFunc
	inspector retention.Inspector

	interval     time.Duration
	timeProvider timeProvider

	deleted metric.Int64Counter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAutoCleanupService wires a cleanup for one store. class names the
// owning component, variant the cleaned entity.
func NewAutoCleanupService(
	class, variant string,
	purger retention.Purger,
	retentionFn retention.RetentionFunc,
	inspector retention.Inspector,
	interval time.Duration,
	mp metric.MeterProvider,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*AutoCleanupService, error) {
	meter := mp.Meter("cleanup", metric.WithInstrumentationVersion("v0.1.0"))
	deleted, err := meter.Int64Counter(
		"cleanup_deleted_total",
		metric.WithDescription("Total number of terminal entries removed by auto cleanup"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cleanup counter: %w", err)
	}

	return &AutoCleanupService{
		class:        class,
		variant:      variant,
		purger:       purger,
		retention:    retentionFn,
		inspector:    inspector,
		interval:     interval,
		timeProvider: realTimeProvider{},
		deleted:      deleted,
		logger:       logger.With("component", "auto_cleanup", "class", class, "variant", variant),
		tracer:       tracer,
	}, nil
}

// Run executes cleanup cycles until ctx is done.
func (s *AutoCleanupService) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Auto cleanup started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Auto cleanup stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Error(ctx, "Auto cleanup cycle failed", "error", err)
			}
		}
	}
}

// Cleanup runs one cycle. A retention of zero or less disables the cycle and
// no purge happens. The returned bool reports whether a purge ran.
func (s *AutoCleanupService) Cleanup(ctx context.Context) (bool, error) {
	days := s.retention()
	if days <= 0 {
		return false, nil
	}

	ctx, span := s.tracer.Start(ctx, "auto_cleanup.cleanup",
		trace.WithAttributes(
			attribute.String("class", s.class),
			attribute.String("variant", s.variant),
			attribute.Int64("retention_days", days),
		))
	defer span.End()

	cutoff := retention.Cutoff(s.timeProvider.Now(), days)
	span.SetAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	deleted, err := s.purger.DeleteTerminalEndedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		return true, fmt.Errorf("deleting %s ended before %s: %w", s.variant, cutoff.Format(time.RFC3339), err)
	}

	s.deleted.Add(ctx, deleted, metric.WithAttributes(
		attribute.String("class", s.class),
		attribute.String("variant", s.variant),
	))

	s.inspector.Inspect(ctx, retention.CleanupResult{
		Class:           s.class,
		Variant:         s.variant,
		Cutoff:          cutoff,
		DeletedCount:    deleted,
		RetentionInDays: days,
	})
	span.SetAttributes(attribute.Int64("deleted", deleted))
	span.SetStatus(codes.Ok, "cleanup completed")

	return true, nil
}
