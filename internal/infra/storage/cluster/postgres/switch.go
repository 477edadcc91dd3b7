// Package postgres stores the cluster scheduling switches in PostgreSQL so
// an operator can pause dispatching or claiming across every instance.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/shared"
	"github.com/ahrav/scan-delegation/internal/infra/storage"
)

var _ shared.SchedulingSwitch = (*Switch)(nil)

// Switch is one named row of scheduler_switches. A missing row reads as
// enabled.
type Switch struct {
	name   string
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSwitch returns the switch stored under name.
func NewSwitch(name string, pool *pgxpool.Pool, tracer trace.Tracer) *Switch {
	return &Switch{name: name, db: pool, tracer: tracer}
}

func (s *Switch) attrs() []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	return append(attrs, attribute.String("switch", s.name))
}

func (s *Switch) Enabled(ctx context.Context) (bool, error) {
	enabled := true
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.switch_enabled", s.attrs(), func(ctx context.Context) error {
		err := s.db.QueryRow(ctx,
			`SELECT enabled FROM scheduler_switches WHERE name = $1`, s.name).Scan(&enabled)
		if errors.Is(err, pgx.ErrNoRows) {
			enabled = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("read switch %s: %w", s.name, err)
		}
		return nil
	})
	return enabled, err
}

func (s *Switch) SetEnabled(ctx context.Context, enabled bool) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.switch_set_enabled", s.attrs(), func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO scheduler_switches (name, enabled, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
			s.name, enabled)
		if err != nil {
			return fmt.Errorf("write switch %s: %w", s.name, err)
		}
		return nil
	})
}

// Seed stores enabled only when the switch has never been written, so a
// restart does not override an operator's choice.
func (s *Switch) Seed(ctx context.Context, enabled bool) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.switch_seed", s.attrs(), func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO scheduler_switches (name, enabled, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (name) DO NOTHING`,
			s.name, enabled)
		if err != nil {
			return fmt.Errorf("seed switch %s: %w", s.name, err)
		}
		return nil
	})
}
