// Package memory provides an in-memory JobRepository for tests and
// single-process runs.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
)

var _ scheduling.JobRepository = (*JobStore)(nil)

type entry struct {
	job *scheduling.Job
	seq uint64
}

// JobStore keeps jobs in a map guarded by a mutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]entry
	seq  uint64
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]entry)}
}

func (s *JobStore) CreateJob(ctx context.Context, job *scheduling.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID()]; ok {
		return scheduling.ErrJobExists
	}
	s.seq++
	job.SetVersion(1)
	s.jobs[job.JobID()] = entry{job: job.Clone(), seq: s.seq}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scheduling.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil, scheduling.ErrJobNotFound
	}
	return e.job.Clone(), nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job *scheduling.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[job.JobID()]
	if !ok {
		return scheduling.ErrJobNotFound
	}
	if e.job.Version() != job.Version() {
		return scheduling.ErrJobVersionConflict
	}
	job.SetVersion(job.Version() + 1)
	e.job = job.Clone()
	s.jobs[job.JobID()] = e
	return nil
}

func (s *JobStore) FindOldestReadyJob(ctx context.Context, excludedProjects []string) (uuid.UUID, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *entry
	for _, e := range s.jobs {
		if e.job.Status() != scheduling.JobStatusReadyToStart {
			continue
		}
		if slices.Contains(excludedProjects, e.job.ProjectID()) {
			continue
		}
		if oldest == nil || olderThan(e, *oldest) {
			e := e
			oldest = &e
		}
	}
	if oldest == nil {
		return uuid.Nil, false, nil
	}
	return oldest.job.JobID(), true, nil
}

func (s *JobStore) ListActiveProjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var projects []string
	for _, e := range s.jobs {
		if !e.job.Status().IsActive() {
			continue
		}
		if _, ok := seen[e.job.ProjectID()]; ok {
			continue
		}
		seen[e.job.ProjectID()] = struct{}{}
		projects = append(projects, e.job.ProjectID())
	}
	sort.Strings(projects)
	return projects, nil
}

func (s *JobStore) ListJobsByStatus(ctx context.Context, statuses []scheduling.JobStatus, limit int) ([]*scheduling.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []entry
	for _, e := range s.jobs {
		if slices.Contains(statuses, e.job.Status()) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return olderThan(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*scheduling.Job, len(matched))
	for i, e := range matched {
		out[i] = e.job.Clone()
	}
	return out, nil
}

func (s *JobStore) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, e := range s.jobs {
		if !e.job.Status().IsTerminal() {
			continue
		}
		if ended, ok := e.job.EndedAt(); ok && ended.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func olderThan(a, b entry) bool {
	if !a.job.CreatedAt().Equal(b.job.CreatedAt()) {
		return a.job.CreatedAt().Before(b.job.CreatedAt())
	}
	return a.seq < b.seq
}
