// Package memory provides an in-memory WorkItemRepository for tests and
// single-process runs. It honors the same version semantics as the postgres
// store, so races between claim engines behave identically.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-delegation/internal/domain/delegation"
)

var _ delegation.WorkItemRepository = (*WorkItemStore)(nil)

type entry struct {
	item *delegation.WorkItem
	seq  uint64
}

// WorkItemStore keeps work items in a map guarded by a mutex.
type WorkItemStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]entry
	seq   uint64
}

// NewWorkItemStore creates an empty store.
func NewWorkItemStore() *WorkItemStore {
	return &WorkItemStore{items: make(map[uuid.UUID]entry)}
}

func (s *WorkItemStore) CreateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.JobID()]; ok {
		return delegation.ErrWorkItemExists
	}
	s.seq++
	item.SetVersion(1)
	s.items[item.JobID()] = entry{item: item.Clone(), seq: s.seq}
	return nil
}

func (s *WorkItemStore) GetWorkItem(ctx context.Context, jobID uuid.UUID) (*delegation.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[jobID]
	if !ok {
		return nil, delegation.ErrWorkItemNotFound
	}
	return e.item.Clone(), nil
}

func (s *WorkItemStore) FindOldestReadyToStart(ctx context.Context) (*delegation.WorkItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *entry
	for _, e := range s.items {
		if e.item.Status() != delegation.WorkItemStatusReadyToStart {
			continue
		}
		if oldest == nil || olderThan(e, *oldest) {
			e := e
			oldest = &e
		}
	}
	if oldest == nil {
		return nil, false, nil
	}
	return oldest.item.Clone(), true, nil
}

func olderThan(a, b entry) bool {
	if !a.item.CreatedAt().Equal(b.item.CreatedAt()) {
		return a.item.CreatedAt().Before(b.item.CreatedAt())
	}
	return a.seq < b.seq
}

func (s *WorkItemStore) UpdateWorkItem(ctx context.Context, item *delegation.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[item.JobID()]
	if !ok {
		return delegation.ErrWorkItemNotFound
	}
	if e.item.Version() != item.Version() {
		return delegation.ErrVersionConflict
	}
	item.SetVersion(item.Version() + 1)
	e.item = item.Clone()
	s.items[item.JobID()] = e
	return nil
}

func (s *WorkItemStore) DeleteWorkItem(ctx context.Context, jobID uuid.UUID, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[jobID]
	if !ok {
		return delegation.ErrWorkItemNotFound
	}
	if e.item.Version() != version {
		return delegation.ErrVersionConflict
	}
	delete(s.items, jobID)
	return nil
}

func (s *WorkItemStore) DeleteTerminalEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, e := range s.items {
		if !e.item.Status().IsTerminal() {
			continue
		}
		if ended, ok := e.item.EndedAt(); ok && ended.Before(cutoff) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

// Snapshot returns copies of all stored items ordered by creation. Tests use
// it to assert on the final state.
func (s *WorkItemStore) Snapshot() []*delegation.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]entry, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return olderThan(entries[i], entries[j]) })

	out := make([]*delegation.WorkItem, len(entries))
	for i, e := range entries {
		out[i] = e.item.Clone()
	}
	return out
}
