// Package event defines the lifecycle events emitted while a task is processed.
package event

import (
	"time"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Name identifies the kind of lifecycle event.
type Name string

const (
	TaskCreated       Name = "TaskCreated"
	TaskClassified    Name = "TaskClassified"
	StrategySelected  Name = "StrategySelected"
	TaskStarted       Name = "TaskStarted"
	ExecutionRecorded Name = "ExecutionRecorded"
	TaskCompleted     Name = "TaskCompleted"
	TaskFailed        Name = "TaskFailed"
	TaskCancelled     Name = "TaskCancelled"
)

// All lists every event name in lifecycle order.
var All = []Name{
	TaskCreated, TaskClassified, StrategySelected, TaskStarted,
	ExecutionRecorded, TaskCompleted, TaskFailed, TaskCancelled,
}

// TaskEvent is the payload shared by all task lifecycle events. Fields that
// do not apply to an event are left empty.
type TaskEvent struct {
	Name       Name            `json:"name"`
	TaskID     string          `json:"task_id"`
	UserID     string          `json:"user_id"`
	Status     task.Status     `json:"status"`
	Type       task.Type       `json:"type,omitempty"`
	Complexity task.Complexity `json:"complexity,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	ExecutionID string  `json:"execution_id,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Success     *bool   `json:"success,omitempty"`
	TokensUsed  int     `json:"tokens_used,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ForTask builds the payload for name from the current task state.
func ForTask(name Name, t *task.Task) TaskEvent {
	ev := TaskEvent{
		Name:       name,
		TaskID:     t.ID,
		UserID:     t.UserID,
		Status:     t.Status,
		Type:       t.Type,
		Complexity: t.Complexity,
		Confidence: t.Confidence,
		Strategy:   string(t.Strategy),
		Timestamp:  time.Now().UTC(),
	}
	switch name {
	case StrategySelected:
		ev.Reason = t.StrategyReason
	case TaskFailed:
		ev.Reason = t.FailureReason
	case TaskCompleted:
		ev.TokensUsed = t.TotalTokens()
		ev.CostUSD = t.TotalCost()
	}
	return ev
}

// ForExecution builds an ExecutionRecorded payload for execution e of t.
// A nil e leaves the execution fields empty.
func ForExecution(t *task.Task, e *execution.Execution) TaskEvent {
	ev := ForTask(ExecutionRecorded, t)
	if e == nil {
		return ev
	}
	ev.ExecutionID = e.ID
	ev.Provider = e.Provider
	ev.Strategy = string(e.Strategy)
	if e.Result != nil {
		ok := e.Result.Success
		ev.Success = &ok
		ev.TokensUsed = e.Result.TokensUsed
		ev.CostUSD = e.Result.CostUSD
		ev.Reason = e.Result.ErrorDetails
	}
	return ev
}
