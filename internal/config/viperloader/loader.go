// Package viperloader loads configuration from an optional YAML file and the
// environment using viper.
package viperloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/scan-delegation/internal/config"
)

// EnvPrefix is prepended to every environment override, e.g.
// DELEGATION_SCHEDULER_STRATEGY or DELEGATION_DATABASE_URL.
const EnvPrefix = "DELEGATION"

var _ config.Loader = (*Loader)(nil)

// Loader reads a config file when one is given and lets environment
// variables override any key. Every key has a default so a deployment may
// be configured from the environment alone.
type Loader struct {
	path     string
	lookup   func(string) (string, bool)
	validate *validator.Validate
}

// Option customizes a Loader.
type Option func(*Loader)

// WithLookupEnv replaces os.LookupEnv, mostly for tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(l *Loader) { l.lookup = fn }
}

// New creates a Loader. An empty path skips the file.
func New(path string, opts ...Option) *Loader {
	l := &Loader{path: path, lookup: os.LookupEnv, validate: validator.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges defaults, the file and the environment, then validates the
// result.
func (l *Loader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
	}

	l.applyEnv(v)

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to derive instance id: %w", err)
		}
		cfg.InstanceID = host
	}

	if err := l.validate.Struct(&cfg); err != nil {
		return nil, describe(err)
	}
	return &cfg, nil
}

// applyEnv copies environment overrides for every known key.
func (l *Loader) applyEnv(v *viper.Viper) {
	replacer := strings.NewReplacer(".", "_")
	for _, key := range v.AllKeys() {
		name := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		val, ok := l.lookup(name)
		if !ok {
			continue
		}
		if key == "kafka.brokers" {
			v.Set(key, splitList(val))
			continue
		}
		v.Set(key, val)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// describe flattens validator errors into one message naming each key.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("health_addr", ":8080")

	v.SetDefault("scheduler.strategy", "first-come-first-serve")
	v.SetDefault("scheduler.initial_delay", 5*time.Second)
	v.SetDefault("scheduler.fixed_delay", 2*time.Second)
	v.SetDefault("scheduler.max_per_cycle", 1)
	v.SetDefault("scheduler.sync_interval", 5*time.Second)
	v.SetDefault("scheduler.sync_batch_size", 100)
	v.SetDefault("scheduler.retention_days", 0)
	v.SetDefault("scheduler.cleanup_interval", time.Hour)

	v.SetDefault("worker.initial_delay", 5*time.Second)
	v.SetDefault("worker.fixed_delay", 2*time.Second)
	v.SetDefault("worker.backoff_min", 50*time.Millisecond)
	v.SetDefault("worker.backoff_max", 2*time.Second)
	v.SetDefault("worker.max_conflict_retries", 0)
	v.SetDefault("worker.capacity", 4)
	v.SetDefault("worker.retention_days", 0)
	v.SetDefault("worker.cleanup_interval", time.Hour)
	v.SetDefault("worker.executor_steps", 10)
	v.SetDefault("worker.executor_step_time", time.Second)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)

	v.SetDefault("switches.dispatch_enabled", true)
	v.SetDefault("switches.claims_enabled", true)

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", 2*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "scan-delegation")
	v.SetDefault("kafka.job_topic", "delegation.jobs")
	v.SetDefault("kafka.work_item_topic", "delegation.work-items")
	v.SetDefault("kafka.connect_timeout", 5*time.Minute)

	v.SetDefault("telemetry.service_name", "")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.insecure", true)
}
