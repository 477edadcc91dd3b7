// Package bootstrap holds the process wiring shared by the scheduler and
// worker binaries.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/config"
	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/infra/eventbus/kafka"
	"github.com/ahrav/scan-delegation/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-delegation/internal/infra/storage"
	"github.com/ahrav/scan-delegation/pkg/common"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
	"github.com/ahrav/scan-delegation/pkg/common/otel"
)

// NewLogger builds the service logger. Error records are mirrored to stderr
// as JSON together with the active trace id.
func NewLogger(w io.Writer, cfg *config.Config, serviceType string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("%s-%s", serviceType, cfg.InstanceID)
	metadata := map[string]string{
		"service":     svcName,
		"instance_id": cfg.InstanceID,
		"app":         serviceType,
	}

	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)
}

// InitTelemetry starts the exporters described by cfg.Telemetry and returns
// a tracer named after the service.
func InitTelemetry(log *logger.Logger, cfg *config.Config, serviceType string) (trace.Tracer, func(context.Context), error) {
	name := cfg.Telemetry.ServiceName
	if name == "" {
		name = serviceType
	}

	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.instance": cfg.InstanceID,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tp.Tracer(name), teardown, nil
}

// ConnectPostgres opens a traced pool, retrying until the database answers,
// and applies pending migrations.
func ConnectPostgres(ctx context.Context, log *logger.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := common.ConnectWithRetry(ctx, log, "postgres", cfg.ConnectTimeout,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return nil, err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return pool, nil
		})
	if err != nil {
		return nil, err
	}

	if err := storage.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info(ctx, "Migrations applied successfully")
	return pool, nil
}

// Publisher is a domain event publisher that must be closed on shutdown.
type Publisher interface {
	events.DomainEventPublisher
	Close() error
}

type brokerPublisher struct{ *memory.Broker }

func (brokerPublisher) Close() error { return nil }

// NewPublisher connects the Kafka publisher when brokers are configured.
// Otherwise events go to an in-process broker whose only subscriber logs
// them at debug level.
func NewPublisher(
	ctx context.Context,
	log *logger.Logger,
	cfg *config.Config,
	serviceType string,
	mp metric.MeterProvider,
	tracer trace.Tracer,
) (Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		broker := memory.NewBroker()
		err := broker.Subscribe(ctx, nil, func(ctx context.Context, evt events.DomainEvent, params events.PublishParams) error {
			log.Debug(ctx, "Domain event", "event_type", evt.EventType(), "key", params.Key)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
		}
		log.Info(ctx, "No Kafka brokers configured, publishing events in process")
		return brokerPublisher{broker}, nil
	}

	kcfg := kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      fmt.Sprintf("%s-%s-%s", cfg.Kafka.ClientID, serviceType, cfg.InstanceID),
		JobTopic:      cfg.Kafka.JobTopic,
		WorkItemTopic: cfg.Kafka.WorkItemTopic,
	}

	producer, err := common.ConnectWithRetry(ctx, log, "kafka", cfg.Kafka.ConnectTimeout, func(context.Context) (sarama.SyncProducer, error) {
		return kafka.NewProducer(kcfg)
	})
	if err != nil {
		return nil, err
	}

	metrics, err := kafka.NewPublisherMetrics(mp)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create publisher metrics: %w", err)
	}
	return kafka.NewPublisher(producer, kcfg, log, tracer, metrics), nil
}
