package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/broadcast"
	"github.com/Strob0t/taskforge/internal/port/database"
)

// defaultListLimit caps List when the caller passes no limit.
const defaultListLimit = 50

// TaskService handles task creation, lookup and cancellation requests.
type TaskService struct {
	store      database.Store
	events     broadcast.Publisher
	dispatcher *DispatcherService
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, events broadcast.Publisher, dispatcher *DispatcherService) *TaskService {
	if events == nil {
		events = broadcast.Nop{}
	}
	return &TaskService{store: store, events: events, dispatcher: dispatcher}
}

// Create validates and persists a task, then hands it to the dispatcher.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	t, err := task.FromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	if err := s.events.Publish(ctx, event.TaskCreated, event.ForTask(event.TaskCreated, t)); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event", event.TaskCreated, "task_id", t.ID, "error", err)
	}

	if err := s.dispatcher.Submit(ctx, t.ID, t.UserID); err != nil {
		// The task is saved and stays Pending; it can be resubmitted.
		slog.ErrorContext(ctx, "failed to dispatch task", "task_id", t.ID, "error", err)
	}
	slog.InfoContext(ctx, "task created", "task_id", t.ID, "user_id", t.UserID)
	return t, nil
}

// Get returns a task with its executions and results.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.LoadTask(ctx, id)
}

// List returns a user's most recent tasks.
func (s *TaskService) List(ctx context.Context, userID string, limit int) ([]task.Task, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "must not be empty")
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.store.ListTasks(ctx, userID, limit)
}

// Cancel requests cancellation of a task. Terminal tasks are refused with
// domain.ErrInvalidStateTransition.
func (s *TaskService) Cancel(ctx context.Context, id, reason string) error {
	t, err := s.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return &domain.TransitionError{Entity: "task", Op: "Cancel", From: string(t.Status)}
	}
	return s.dispatcher.RequestCancel(ctx, id, reason)
}
