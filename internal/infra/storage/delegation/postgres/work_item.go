// Package postgres implements the worker-side work item queue on PostgreSQL.
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

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
	"github.com/ahrav/scan-delegation/internal/infra/storage"
)

var _ delegation.WorkItemRepository = (*workItemStore)(nil)

// workItemStore implements delegation.WorkItemRepository. Claims rely solely
// on the version predicate of the UPDATE; two instances reading the same
// READY_TO_START row race on the write and exactly one of them matches.
type workItemStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkItemStore creates a new PostgreSQL-backed work item repository.
func NewWorkItemStore(pool *pgxpool.Pool, tracer trace.Tracer) *workItemStore {
	return &workItemStore{db: pool, tracer: tracer}
}

const workItemColumns = `job_id, owner, status, result, failure_reason,
	created_at, started_at, ended_at, version`

func itemAttrs(jobID uuid.UUID, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("job_id", jobID.String()))
	return append(attrs, extra...)
}

func (s *workItemStore) CreateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	attrs := itemAttrs(item.JobID(), attribute.String("status", item.Status().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_work_item", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO work_items (
				job_id, owner, status, result, failure_reason,
				created_at, started_at, ended_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
			item.JobID(), item.Owner(), item.Status().String(), nullableJSON(item.Result()),
			item.FailureReason(), item.CreatedAt(), startedAt(item), endedAt(item),
		)
		if err != nil {
			if storage.IsDuplicateKey(err) {
				return delegation.ErrWorkItemExists
			}
			return fmt.Errorf("insert work item: %w", err)
		}
		item.SetVersion(1)
		return nil
	})
}

func (s *workItemStore) GetWorkItem(ctx context.Context, jobID uuid.UUID) (*delegation.WorkItem, error) {
	var item *delegation.WorkItem
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_work_item", itemAttrs(jobID), func(ctx context.Context) error {
		var err error
		item, err = scanWorkItem(s.db.QueryRow(ctx,
			`SELECT `+workItemColumns+` FROM work_items WHERE job_id = $1`, jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return delegation.ErrWorkItemNotFound
		}
		return err
	})
	return item, err
}

func (s *workItemStore) FindOldestReadyToStart(ctx context.Context) (*delegation.WorkItem, bool, error) {
	var item *delegation.WorkItem
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_oldest_ready_work_item", storage.DefaultDBAttributes, func(ctx context.Context) error {
		var err error
		item, err = scanWorkItem(s.db.QueryRow(ctx, `
			SELECT `+workItemColumns+` FROM work_items
			WHERE status = $1
			ORDER BY created_at, seq
			LIMIT 1`,
			delegation.WorkItemStatusReadyToStart.String(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			item = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("find oldest ready work item: %w", err)
	}
	return item, item != nil, nil
}

func (s *workItemStore) UpdateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	attrs := itemAttrs(item.JobID(),
		attribute.String("status", item.Status().String()),
		attribute.Int64("version", item.Version()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_work_item", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			UPDATE work_items SET
				owner = $2, status = $3, result = $4, failure_reason = $5,
				started_at = $6, ended_at = $7, version = version + 1
			WHERE job_id = $1 AND version = $8`,
			item.JobID(), item.Owner(), item.Status().String(), nullableJSON(item.Result()),
			item.FailureReason(), startedAt(item), endedAt(item), item.Version(),
		)
		if err != nil {
			return fmt.Errorf("update work item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrConflict(ctx, item.JobID())
		}
		item.SetVersion(item.Version() + 1)
		return nil
	})
}

func (s *workItemStore) DeleteWorkItem(ctx context.Context, jobID uuid.UUID, version int64) error {
	attrs := itemAttrs(jobID, attribute.Int64("version", version))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_work_item", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx,
			`DELETE FROM work_items WHERE job_id = $1 AND version = $2`, jobID, version)
		if err != nil {
			return fmt.Errorf("delete work item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrConflict(ctx, jobID)
		}
		return nil
	})
}

func (s *workItemStore) missOrConflict(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_items WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check work item existence: %w", err)
	}
	if !exists {
		return delegation.ErrWorkItemNotFound
	}
	return delegation.ErrVersionConflict
}

func (s *workItemStore) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := delegation.TerminalWorkItemStatuses()
	statuses := make([]string, len(terminal))
	for i, st := range terminal {
		statuses[i] = st.String()
	}

	var deleted int64
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("cutoff", cutoff.Format(time.RFC3339)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_terminal_work_items", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx,
			`DELETE FROM work_items WHERE status = ANY($1) AND ended_at < $2`, statuses, cutoff)
		if err != nil {
			return fmt.Errorf("delete terminal work items: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanWorkItem(row pgx.Row) (*delegation.WorkItem, error) {
	var (
		jobID         uuid.UUID
		owner         string
		status        string
		result        []byte
		failureReason string
		createdAt     time.Time
		started       pgtype.Timestamptz
		ended         pgtype.Timestamptz
		version       int64
	)
	if err := row.Scan(
		&jobID, &owner, &status, &result, &failureReason,
		&createdAt, &started, &ended, &version,
	); err != nil {
		return nil, err
	}

	return delegation.ReconstructWorkItem(
		jobID,
		owner,
		delegation.ParseWorkItemStatus(status),
		json.RawMessage(result),
		failureReason,
		createdAt.UTC(),
		storage.TimeOrZero(started),
		storage.TimeOrZero(ended),
		version,
	), nil
}

func startedAt(item *delegation.WorkItem) pgtype.Timestamptz {
	t, _ := item.StartedAt()
	return storage.Timestamptz(t)
}

func endedAt(item *delegation.WorkItem) pgtype.Timestamptz {
	t, _ := item.EndedAt()
	return storage.Timestamptz(t)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
