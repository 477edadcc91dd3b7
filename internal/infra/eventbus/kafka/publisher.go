// Package kafka publishes job and work item lifecycle events to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/domain/events"
	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// PublisherMetrics records the outcome of every send.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka and routing events.
type Config struct {
	Brokers  []string
	ClientID string

	// JobTopic receives producer job lifecycle events.
	JobTopic string
	// WorkItemTopic receives worker claim and completion events.
	WorkItemTopic string
}

// envelope is the JSON wire form of every published event.
type envelope struct {
	Type       events.EventType `json:"type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    any              `json:"payload"`
}

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher implements events.DomainEventPublisher on a sarama SyncProducer.
// Events are routed to a topic by type and keyed by job id so every event of
// a job lands on the same partition in order.
type Publisher struct {
	producer sarama.SyncProducer
	topics   map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PublisherMetrics
}

// NewPublisher wraps an existing producer.
func NewPublisher(
	producer sarama.SyncProducer,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics PublisherMetrics,
) *Publisher {
	topics := map[events.EventType]string{
		scheduling.EventTypeJobSubmitted:       cfg.JobTopic,
		scheduling.EventTypeJobReadyToStart:    cfg.JobTopic,
		scheduling.EventTypeJobStarted:         cfg.JobTopic,
		scheduling.EventTypeJobCancelRequested: cfg.JobTopic,
		scheduling.EventTypeJobCanceled:        cfg.JobTopic,
		scheduling.EventTypeJobPaused:          cfg.JobTopic,
		scheduling.EventTypeJobResumed:         cfg.JobTopic,
		scheduling.EventTypeJobEnded:           cfg.JobTopic,
		delegation.EventTypeWorkItemClaimed:    cfg.WorkItemTopic,
		delegation.EventTypeWorkItemFinished:   cfg.WorkItemTopic,
	}

	return &Publisher{
		producer: producer,
		topics:   topics,
		logger:   logger.With("component", "kafka_publisher"),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// NewProducer creates the sync producer used by the publisher.
func NewProducer(cfg Config) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer for %s: %w", strings.Join(cfg.Brokers, ","), err)
	}
	return producer, nil
}

// PublishDomainEvent serializes event as JSON and sends it synchronously.
func (p *Publisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	topic, ok := p.topics[event.EventType()]
	if !ok || topic == "" {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.EventType())
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, p.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(event.EventType())))

	params := events.ApplyOptions(opts)

	value, err := json.Marshal(envelope{
		Type:       event.EventType(),
		OccurredAt: event.OccurredAt(),
		Payload:    event,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		p.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize event %s: %w", event.EventType(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType())},
		},
	}
	if params.Key != "" {
		msg.Key = sarama.StringEncoder(params.Key)
		span.SetAttributes(attribute.String("event.key", params.Key))
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		p.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	p.metrics.IncMessagePublished(ctx, topic)
	p.logger.Debug(ctx, "Published event to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", event.EventType(),
		"key", params.Key,
	)
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error { return p.producer.Close() }

type publisherMetrics struct {
	published metric.Int64Counter
	errors    metric.Int64Counter
}

// NewPublisherMetrics creates otel instruments for the publisher.
func NewPublisherMetrics(mp metric.MeterProvider) (*publisherMetrics, error) {
	meter := mp.Meter("kafka_publisher", metric.WithInstrumentationVersion("v0.1.0"))

	published, err := meter.Int64Counter(
		"kafka_messages_published_total",
		metric.WithDescription("Total number of events published to Kafka"),
	)
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter(
		"kafka_publish_errors_total",
		metric.WithDescription("Total number of events that failed to publish"),
	)
	if err != nil {
		return nil, err
	}
	return &publisherMetrics{published: published, errors: errs}, nil
}

func (m *publisherMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *publisherMetrics) IncPublishError(ctx context.Context, topic string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
