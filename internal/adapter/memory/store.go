// Package memory implements the persistence port in process memory. It is
// used when no Postgres DSN is configured and in tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Store keeps copies of every saved entity, so callers mutating their
// values after a save do not change what was stored.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]task.Task
	executions map[string]execution.Execution
	order      map[string][]string         // task id -> execution ids in save order
	results    map[string]execution.Result // execution id -> result
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[string]task.Task),
		executions: make(map[string]execution.Execution),
		order:      make(map[string][]string),
		results:    make(map[string]execution.Result),
	}
}

// SaveTask stores t without its executions.
func (s *Store) SaveTask(_ context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return domain.NewValidationError("task", "must have an id")
	}
	c := *t
	c.Executions = nil
	c.Context = maps.Clone(t.Context)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = c
	return nil
}

// SaveExecution stores e without its result. The first save fixes the
// execution's position in its task's history.
func (s *Store) SaveExecution(_ context.Context, e *execution.Execution) error {
	if e == nil || e.ID == "" {
		return domain.NewValidationError("execution", "must have an id")
	}
	c := *e
	c.Result = nil
	c.CompletedAt = clonePtr(e.CompletedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.executions[e.ID]; ok && prev.TaskID != e.TaskID {
		return fmt.Errorf("execution %s belongs to task %s: %w", e.ID, prev.TaskID, domain.ErrConflict)
	}
	if _, ok := s.executions[e.ID]; !ok {
		s.order[e.TaskID] = append(s.order[e.TaskID], e.ID)
	}
	s.executions[e.ID] = c
	return nil
}

// SaveResult stores r. Its execution must already be saved.
func (s *Store) SaveResult(_ context.Context, r *execution.Result) error {
	if r == nil || r.ID == "" {
		return domain.NewValidationError("result", "must have an id")
	}
	c := *r
	c.Candidates = slices.Clone(r.Candidates)
	c.Steps = slices.Clone(r.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[r.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", r.ExecutionID, domain.ErrNotFound)
	}
	s.results[r.ExecutionID] = c
	return nil
}

// LoadTask returns a fresh copy of the task with its executions and results.
func (s *Store) LoadTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t := stored
	t.Context = maps.Clone(stored.Context)
	t.StartedAt = clonePtr(stored.StartedAt)
	t.CompletedAt = clonePtr(stored.CompletedAt)
	t.Executions = make([]*execution.Execution, 0, len(s.order[id]))
	for _, eid := range s.order[id] {
		e := s.executions[eid]
		e.CompletedAt = clonePtr(e.CompletedAt)
		if r, ok := s.results[eid]; ok {
			r.Candidates = slices.Clone(r.Candidates)
			r.Steps = slices.Clone(r.Steps)
			e.Result = &r
		}
		t.Executions = append(t.Executions, &e)
	}
	return &t, nil
}

// ListTasks returns up to limit of the user's tasks, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListTasks(_ context.Context, userID string, limit int) ([]task.Task, error) {
	s.mu.RLock()
	out := make([]task.Task, 0)
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b task.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Context = maps.Clone(out[i].Context)
		out[i].StartedAt = clonePtr(out[i].StartedAt)
		out[i].CompletedAt = clonePtr(out[i].CompletedAt)
		out[i].Executions = []*execution.Execution{}
	}
	return out, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
