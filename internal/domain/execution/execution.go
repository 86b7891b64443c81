// Package execution defines the Execution and Result domain entities:
// one attempt to resolve a task through a strategy and provider, and the
// recorded outcome of that attempt.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/taskforge/internal/domain"
)

// Strategy names an execution algorithm.
type Strategy string

const (
	StrategySingleShot Strategy = "single_shot"
	StrategyIterative  Strategy = "iterative"
	StrategyMultiAgent Strategy = "multi_agent"
	StrategyHybrid     Strategy = "hybrid"
)

// Valid reports whether s is one of the defined strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingleShot, StrategyIterative, StrategyMultiAgent, StrategyHybrid:
		return true
	}
	return false
}

// Status represents the current state of an execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Execution is a single attempt to resolve a task. It belongs to exactly
// one task for its whole lifetime.
type Execution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Strategy    Strategy   `json:"strategy"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model,omitempty"`
	Attempt     int        `json:"attempt"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// New creates a pending execution of taskID using the given strategy and
// logical provider name.
func New(taskID string, strategy Strategy, provider string) (*Execution, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, domain.NewValidationError("task_id", "must not be empty")
	}
	if !strategy.Valid() {
		return nil, domain.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
	if strings.TrimSpace(provider) == "" {
		return nil, domain.NewValidationError("provider", "must not be empty")
	}
	return &Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Strategy:  strategy,
		Provider:  provider,
		Attempt:   1,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}, nil
}

// Complete marks the execution successful and creates its Result.
func (e *Execution) Complete(tokensUsed int, costUSD float64, duration time.Duration) (*Result, error) {
	if err := e.finish("Complete", tokensUsed, costUSD); err != nil {
		return nil, err
	}
	e.Status = StatusSuccess
	e.Result = newResult(e.ID, true, tokensUsed, costUSD, duration)
	return e.Result, nil
}

// Fail marks the execution failed and creates a Result carrying details.
func (e *Execution) Fail(tokensUsed int, costUSD float64, duration time.Duration, details string) (*Result, error) {
	if strings.TrimSpace(details) == "" {
		return nil, domain.NewValidationError("error_details", "must not be empty")
	}
	if err := e.finish("Fail", tokensUsed, costUSD); err != nil {
		return nil, err
	}
	e.Status = StatusFailure
	e.Result = newResult(e.ID, false, tokensUsed, costUSD, duration)
	e.Result.ErrorDetails = details
	return e.Result, nil
}

func (e *Execution) finish(op string, tokensUsed int, costUSD float64) error {
	if e.Status != StatusPending {
		return &domain.TransitionError{Entity: "execution", Op: op, From: string(e.Status)}
	}
	if tokensUsed < 0 {
		return domain.NewValidationError("tokens_used", "must be non-negative")
	}
	if costUSD < 0 {
		return domain.NewValidationError("cost_usd", "must be non-negative")
	}
	now := time.Now()
	e.CompletedAt = &now
	return nil
}

// IsTerminal reports whether the execution has finished.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}
