// Package config defines the settings shared by the scheduler and worker
// services.
package config

import (
	"context"
	"time"
)

// Config represents the top-level configuration.
type Config struct {
	// InstanceID identifies this process as a claim owner. Defaults to the
	// hostname when empty.
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HealthAddr string `mapstructure:"health_addr" validate:"required"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Switches  SwitchConfig    `mapstructure:"switches"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SchedulerConfig tunes the producer side.
type SchedulerConfig struct {
	Strategy        string        `mapstructure:"strategy" validate:"oneof=first-come-first-serve only-one-project-at-a-time"`
	InitialDelay    time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	FixedDelay      time.Duration `mapstructure:"fixed_delay" validate:"gt=0"`
	MaxPerCycle     int           `mapstructure:"max_per_cycle" validate:"gte=1"`
	SyncInterval    time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	SyncBatchSize   int           `mapstructure:"sync_batch_size" validate:"gte=1"`
	RetentionDays   int64         `mapstructure:"retention_days" validate:"lte=36500"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// WorkerConfig tunes the claim engine and execution queue.
type WorkerConfig struct {
	InitialDelay       time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	FixedDelay         time.Duration `mapstructure:"fixed_delay" validate:"gt=0"`
	BackoffMin         time.Duration `mapstructure:"backoff_min" validate:"gte=0"`
	BackoffMax         time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffMin"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries" validate:"gte=0"`
	Capacity           int           `mapstructure:"capacity" validate:"gte=1"`
	RetentionDays      int64         `mapstructure:"retention_days" validate:"lte=36500"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	ExecutorSteps      int           `mapstructure:"executor_steps" validate:"gte=0"`
	ExecutorStepTime   time.Duration `mapstructure:"executor_step_time" validate:"gte=0"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
}

// SwitchConfig seeds the cluster switches the first time a cluster starts.
type SwitchConfig struct {
	DispatchEnabled bool `mapstructure:"dispatch_enabled"`
	ClaimsEnabled   bool `mapstructure:"claims_enabled"`
}

// DatabaseConfig describes the shared PostgreSQL database.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" validate:"required"`
	MinConns       int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns       int32         `mapstructure:"max_conns" validate:"gtefield=MinConns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
}

// KafkaConfig enables event publishing when Brokers is not empty.
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	JobTopic       string        `mapstructure:"job_topic" validate:"required_with=Brokers"`
	WorkItemTopic  string        `mapstructure:"work_item_topic" validate:"required_with=Brokers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
}

// TelemetryConfig configures the OTLP exporters. Telemetry stays local when
// Endpoint is empty.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure"`
}

// Loader resolves a Config from some source, such as a file merged with the
// environment.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}
