package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/scheduling"
)

// NewStrategy returns the policy registered under id. Unknown ids fall back
// to first-come-first-serve.
func NewStrategy(id scheduling.StrategyID, repo scheduling.JobQueueReader) scheduling.SchedulingStrategy {
	switch id {
	case scheduling.StrategyOnlyOneProjectAtATime:
		return &onlyOneProjectAtATime{repo: repo}
	default:
		return &firstComeFirstServe{repo: repo}
	}
}

// firstComeFirstServe picks the oldest ready job regardless of its project.
type firstComeFirstServe struct{ repo scheduling.JobQueueReader }

func (*firstComeFirstServe) ID() scheduling.StrategyID { return scheduling.StrategyFirstComeFirstServe }

func (s *firstComeFirstServe) NextJobID(ctx context.Context) (uuid.UUID, bool, error) {
	id, found, err := s.repo.FindOldestReadyJob(ctx, nil)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("finding oldest ready job: %w", err)
	}
	return id, found, nil
}

// onlyOneProjectAtATime picks the oldest ready job whose project has no
// active job, which serializes scans per project while projects still run
// in parallel.
type onlyOneProjectAtATime struct{ repo scheduling.JobQueueReader }

func (*onlyOneProjectAtATime) ID() scheduling.StrategyID {
	return scheduling.StrategyOnlyOneProjectAtATime
}

func (s *onlyOneProjectAtATime) NextJobID(ctx context.Context) (uuid.UUID, bool, error) {
	busy, err := s.repo.ListActiveProjects(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("listing active projects: %w", err)
	}

	id, found, err := s.repo.FindOldestReadyJob(ctx, busy)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("finding oldest ready job outside %d active projects: %w", len(busy), err)
	}
	return id, found, nil
}
