// Package task defines the Task domain entity and its lifecycle state machine.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusClassifying Status = "classifying"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further lifecycle transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type is the classified kind of work.
type Type string

const (
	TypeBugFix        Type = "bug_fix"
	TypeFeature       Type = "feature"
	TypeRefactor      Type = "refactor"
	TypeDocumentation Type = "documentation"
	TypeTest          Type = "test"
	TypeDeployment    Type = "deployment"
)

var validTypes = map[Type]bool{
	TypeBugFix:        true,
	TypeFeature:       true,
	TypeRefactor:      true,
	TypeDocumentation: true,
	TypeTest:          true,
	TypeDeployment:    true,
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool { return validTypes[t] }

// Complexity is the classified size tier of a task.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityEpic    Complexity = "epic"
)

var validComplexities = map[Complexity]bool{
	ComplexitySimple:  true,
	ComplexityMedium:  true,
	ComplexityComplex: true,
	ComplexityEpic:    true,
}

// Valid reports whether c is a known complexity tier.
func (c Complexity) Valid() bool { return validComplexities[c] }

// clock is swapped in tests to produce strictly increasing timestamps.
var clock = time.Now

// Task represents a unit of work submitted for autonomous execution.
type Task struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	Type       Type       `json:"type,omitempty"`
	Complexity Complexity `json:"complexity,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`

	Strategy       execution.Strategy `json:"strategy,omitempty"`
	StrategyReason string             `json:"strategy_reason,omitempty"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// BudgetUSD caps provider spend; zero means the configured default.
	BudgetUSD float64 `json:"budget_usd,omitempty"`
	// Escalate forces the hybrid strategy regardless of complexity.
	Escalate bool `json:"escalate,omitempty"`
	// Context maps file paths to content handed to providers.
	Context map[string]string `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Executions []*execution.Execution `json:"executions"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	UserID      string            `json:"user_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	BudgetUSD   float64           `json:"budget_usd,omitempty"`
	Escalate    bool              `json:"escalate,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// New creates a pending task. Each invalid argument yields a
// *domain.ValidationError naming the field.
func New(userID, title, description string) (*Task, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "must not be empty")
	}
	if strings.TrimSpace(title) == "" {
		return nil, domain.NewValidationError("title", "must not be empty")
	}
	if strings.TrimSpace(description) == "" {
		return nil, domain.NewValidationError("description", "must not be empty")
	}
	now := clock()
	return &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Executions:  []*execution.Execution{},
	}, nil
}

// FromRequest builds a task from an API request.
func FromRequest(req CreateRequest) (*Task, error) {
	t, err := New(req.UserID, req.Title, req.Description)
	if err != nil {
		return nil, err
	}
	if req.BudgetUSD < 0 {
		return nil, domain.NewValidationError("budget_usd", "must be non-negative")
	}
	t.BudgetUSD = req.BudgetUSD
	t.Escalate = req.Escalate
	t.Context = req.Context
	return t, nil
}

// Classify records the classification and moves the task to Classifying.
// Type and complexity can be set only once.
func (t *Task) Classify(typ Type, complexity Complexity) error {
	if t.Status != StatusPending {
		return t.refuse("Classify")
	}
	if !typ.Valid() {
		return domain.NewValidationError("type", fmt.Sprintf("unknown task type %q", typ))
	}
	if !complexity.Valid() {
		return domain.NewValidationError("complexity", fmt.Sprintf("unknown complexity %q", complexity))
	}
	t.Type = typ
	t.Complexity = complexity
	t.Status = StatusClassifying
	t.UpdatedAt = clock()
	return nil
}

// AssignStrategy records the selected strategy while the task is Classifying.
func (t *Task) AssignStrategy(s execution.Strategy, reason string) error {
	if t.Status != StatusClassifying || t.Strategy != "" {
		return t.refuse("AssignStrategy")
	}
	if !s.Valid() {
		return domain.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", s))
	}
	t.Strategy = s
	t.StrategyReason = reason
	t.UpdatedAt = clock()
	return nil
}

// Start moves a classified task to InProgress.
func (t *Task) Start() error {
	if t.Status != StatusClassifying {
		return t.refuse("Start")
	}
	now := later(t.CreatedAt)
	t.StartedAt = &now
	t.Status = StatusInProgress
	t.UpdatedAt = now
	return nil
}

// Complete moves an in-progress task to Completed. It is not idempotent.
func (t *Task) Complete() error {
	if t.Status != StatusInProgress {
		return t.refuse("Complete")
	}
	t.finish(StatusCompleted)
	return nil
}

// Fail moves an in-progress task to Failed with a non-empty reason.
func (t *Task) Fail(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return domain.NewValidationError("reason", "must not be empty")
	}
	if t.Status != StatusInProgress {
		return t.refuse("Fail")
	}
	t.FailureReason = reason
	t.finish(StatusFailed)
	return nil
}

// Reject fails a task that never started, e.g. when classification is
// unavailable. Legal from Pending or Classifying.
func (t *Task) Reject(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return domain.NewValidationError("reason", "must not be empty")
	}
	if t.Status != StatusPending && t.Status != StatusClassifying {
		return t.refuse("Reject")
	}
	t.FailureReason = reason
	t.finish(StatusFailed)
	return nil
}

// Cancel moves any non-terminal task to Cancelled.
func (t *Task) Cancel() error {
	if t.Status.IsTerminal() {
		return t.refuse("Cancel")
	}
	t.finish(StatusCancelled)
	return nil
}

// AddExecution appends e to the task's execution history. The execution
// must belong to this task and the task must not be terminal.
func (t *Task) AddExecution(e *execution.Execution) error {
	if e == nil {
		return domain.NewValidationError("execution", "must not be nil")
	}
	if e.TaskID != t.ID {
		return domain.NewValidationError("execution.task_id", fmt.Sprintf("%q does not match task %q", e.TaskID, t.ID))
	}
	if t.Status.IsTerminal() {
		return t.refuse("AddExecution")
	}
	t.Executions = append(t.Executions, e)
	t.UpdatedAt = clock()
	return nil
}

// TotalCost sums the recorded cost of all finished executions.
func (t *Task) TotalCost() float64 {
	var sum float64
	for _, e := range t.Executions {
		if e.Result != nil {
			sum += e.Result.CostUSD
		}
	}
	return sum
}

// TotalTokens sums the recorded tokens of all finished executions.
func (t *Task) TotalTokens() int {
	var sum int
	for _, e := range t.Executions {
		if e.Result != nil {
			sum += e.Result.TokensUsed
		}
	}
	return sum
}

// LastExecution returns the most recently attached execution, or nil.
func (t *Task) LastExecution() *execution.Execution {
	if len(t.Executions) == 0 {
		return nil
	}
	return t.Executions[len(t.Executions)-1]
}

func (t *Task) finish(s Status) {
	prev := t.CreatedAt
	if t.StartedAt != nil {
		prev = *t.StartedAt
	}
	now := later(prev)
	t.CompletedAt = &now
	t.Status = s
	t.UpdatedAt = now
}

// later returns the current time, nudged forward so it is strictly later than prev.
func later(prev time.Time) time.Time {
	now := clock()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (t *Task) refuse(op string) error {
	return &domain.TransitionError{Entity: "task", Op: op, From: string(t.Status)}
}
