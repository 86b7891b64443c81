// Package database defines the persistence gateway port (interface).
package database

import (
	"context"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Store is the port interface for durable storage of tasks, executions
// and results. Each Save is atomic for its own entity and idempotent:
// saving the same entity twice overwrites it.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	SaveExecution(ctx context.Context, e *execution.Execution) error
	SaveResult(ctx context.Context, r *execution.Result) error

	// LoadTask returns the task with its executions in attachment order,
	// each carrying its result. Missing tasks yield domain.ErrNotFound.
	LoadTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns a user's tasks, newest first, without executions.
	ListTasks(ctx context.Context, userID string, limit int) ([]task.Task, error)
}
