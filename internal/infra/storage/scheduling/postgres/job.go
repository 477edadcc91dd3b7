// Package postgres implements the producer job queue on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
	"github.com/ahrav/scan-delegation/internal/infra/storage"
)

var _ scheduling.JobRepository = (*jobStore)(nil)

// jobStore implements scheduling.JobRepository. Every update is conditioned
// on the version column so concurrent dispatchers never overwrite each
// other; no row locks are taken.
type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

const jobColumns = `job_id, project_id, owner, config, status, result, cancel_pending,
	created_at, started_at, ended_at, version`

func jobAttrs(jobID uuid.UUID, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("job_id", jobID.String()))
	return append(attrs, extra...)
}

func (r *jobStore) CreateJob(ctx context.Context, job *scheduling.Job) error {
	attrs := jobAttrs(job.JobID(),
		attribute.String("project_id", job.ProjectID()),
		attribute.String("status", job.Status().String()),
	)
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", attrs, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO jobs (
				job_id, project_id, owner, config, status, result, cancel_pending,
				created_at, started_at, ended_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
			job.JobID(), job.ProjectID(), job.Owner(), nullableJSON(job.Config()),
			job.Status().String(), job.Result().String(), job.CancelPending(),
			job.CreatedAt(), startedAt(job), endedAt(job),
		)
		if err != nil {
			if storage.IsDuplicateKey(err) {
				return scheduling.ErrJobExists
			}
			return fmt.Errorf("insert job: %w", err)
		}
		job.SetVersion(1)
		return nil
	})
}

func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scheduling.Job, error) {
	var job *scheduling.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", jobAttrs(jobID), func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return scheduling.ErrJobNotFound
		}
		return err
	})
	return job, err
}

func (r *jobStore) UpdateJob(ctx context.Context, job *scheduling.Job) error {
	attrs := jobAttrs(job.JobID(),
		attribute.String("status", job.Status().String()),
		attribute.Int64("version", job.Version()),
	)
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE jobs SET
				status = $2, result = $3, cancel_pending = $4,
				started_at = $5, ended_at = $6, version = version + 1
			WHERE job_id = $1 AND version = $7`,
			job.JobID(), job.Status().String(), job.Result().String(), job.CancelPending(),
			startedAt(job), endedAt(job), job.Version(),
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, job.JobID())
		}
		job.SetVersion(job.Version() + 1)
		return nil
	})
}

// missOrConflict tells a missing row apart from a stale version after a
// conditional write matched nothing.
func (r *jobStore) missOrConflict(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return scheduling.ErrJobNotFound
	}
	return scheduling.ErrJobVersionConflict
}

func (r *jobStore) FindOldestReadyJob(ctx context.Context, excludedProjects []string) (uuid.UUID, bool, error) {
	if excludedProjects == nil {
		// ANY over NULL is NULL and would filter out every row.
		excludedProjects = []string{}
	}

	var (
		jobID uuid.UUID
		found bool
	)
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.Int("excluded_projects", len(excludedProjects)))
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.find_oldest_ready_job", attrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			SELECT job_id FROM jobs
			WHERE status = $1 AND NOT (project_id = ANY($2))
			ORDER BY created_at, seq
			LIMIT 1`,
			scheduling.JobStatusReadyToStart.String(), excludedProjects,
		).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find oldest ready job: %w", err)
		}
		found = true
		return nil
	})
	return jobID, found, err
}

func (r *jobStore) ListActiveProjects(ctx context.Context) ([]string, error) {
	var projects []string
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_active_projects", storage.DefaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT DISTINCT project_id FROM jobs
			WHERE status = ANY($1)
			ORDER BY project_id`,
			statusStrings(scheduling.ActiveJobStatuses()),
		)
		if err != nil {
			return fmt.Errorf("list active projects: %w", err)
		}
		projects, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return projects, err
}

func (r *jobStore) ListJobsByStatus(ctx context.Context, statuses []scheduling.JobStatus, limit int) ([]*scheduling.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	var jobs []*scheduling.Job
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.Int("limit", limit))
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs_by_status", attrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ANY($1)
			ORDER BY created_at, seq
			LIMIT $2`,
			statusStrings(statuses), lim,
		)
		if err != nil {
			return fmt.Errorf("list jobs by status: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

func (r *jobStore) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("cutoff", cutoff.Format(time.RFC3339)))
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_terminal_jobs", attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			DELETE FROM jobs
			WHERE status = ANY($1) AND ended_at < $2`,
			statusStrings(scheduling.TerminalJobStatuses()), cutoff,
		)
		if err != nil {
			return fmt.Errorf("delete terminal jobs: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanJob(row pgx.Row) (*scheduling.Job, error) {
	var (
		jobID         uuid.UUID
		projectID     string
		owner         string
		config        []byte
		status        string
		result        string
		cancelPending bool
		createdAt     time.Time
		started       pgtype.Timestamptz
		ended         pgtype.Timestamptz
		version       int64
	)
	if err := row.Scan(
		&jobID, &projectID, &owner, &config, &status, &result, &cancelPending,
		&createdAt, &started, &ended, &version,
	); err != nil {
		return nil, err
	}

	return scheduling.ReconstructJob(
		jobID,
		projectID,
		owner,
		json.RawMessage(config),
		scheduling.ParseJobStatus(status),
		scheduling.ParseJobResult(result),
		cancelPending,
		createdAt.UTC(),
		storage.TimeOrZero(started),
		storage.TimeOrZero(ended),
		version,
	), nil
}

func startedAt(job *scheduling.Job) pgtype.Timestamptz {
	t, _ := job.StartedAt()
	return storage.Timestamptz(t)
}

func endedAt(job *scheduling.Job) pgtype.Timestamptz {
	t, _ := job.EndedAt()
	return storage.Timestamptz(t)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func statusStrings(statuses []scheduling.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}
