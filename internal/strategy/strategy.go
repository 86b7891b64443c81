// Package strategy implements the execution strategies that turn a
// classified task into provider calls and recorded executions.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Markers prefixed to Result.ErrorDetails so callers and subscribers can
// tell failure kinds apart.
const (
	MarkerValidation    = "ValidationError"
	MarkerMaxIterations = "MaxIterationsExceeded"
	MarkerPartial       = "PartialImplementation"
	MarkerAllCandidates = "AllCandidatesFailed"
	MarkerProvider      = "ProviderError"
	MarkerPlanning      = "PlanningFailed"
	MarkerTests         = "TestsFailed"
	MarkerBudget        = "BudgetExhausted"
	MarkerCancelled     = "Cancelled"
)

// Input carries what a strategy needs beyond the task itself.
type Input struct {
	// Context maps file paths to content handed to providers.
	Context map[string]string
	// RemainingBudgetUSD stops multi-call strategies early once spent.
	// Zero means unlimited.
	RemainingBudgetUSD float64
}

// Strategy runs one execution algorithm against a task.
//
// Execute attaches at least one Execution to t before returning and
// returns the Result of the execution that decides the outcome. The
// error return is reserved for context cancellation and contract
// violations; provider and validation failures are reported through a
// failed Result.
type Strategy interface {
	Execute(ctx context.Context, t *task.Task, in Input) (*execution.Result, error)
}

// Registry maps strategy names to implementations. It is built once and
// passed to the orchestrator.
type Registry struct {
	strategies map[execution.Strategy]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[execution.Strategy]Strategy)}
}

// Register binds impl to name, replacing any previous binding.
func (r *Registry) Register(name execution.Strategy, impl Strategy) {
	r.strategies[name] = impl
}

// Get returns the implementation bound to name.
func (r *Registry) Get(name execution.Strategy) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// begin creates an execution for t and attaches it.
func begin(t *task.Task, s execution.Strategy, providerName string, attempt int) (*execution.Execution, error) {
	e, err := execution.New(t.ID, s, providerName)
	if err != nil {
		return nil, err
	}
	e.Attempt = attempt
	if err := t.AddExecution(e); err != nil {
		return nil, err
	}
	return e, nil
}

// tracker accumulates provider consumption for one execution and closes it.
type tracker struct {
	exec    *execution.Execution
	tokens  int
	costUSD float64
	start   time.Time
}

func track(e *execution.Execution) *tracker {
	return &tracker{exec: e, start: time.Now()}
}

func (tr *tracker) add(r Reply) {
	tr.tokens += r.Tokens
	tr.costUSD += r.CostUSD
	if r.Model != "" {
		tr.exec.Model = r.Model
	}
}

func (tr *tracker) succeed() (*execution.Result, error) {
	return tr.exec.Complete(tr.tokens, tr.costUSD, time.Since(tr.start))
}

func (tr *tracker) fail(marker, detail string) (*execution.Result, error) {
	details := marker
	if detail != "" {
		details += ": " + detail
	}
	return tr.exec.Fail(tr.tokens, tr.costUSD, time.Since(tr.start), details)
}

// abort closes the execution after cancellation and returns the context error.
func (tr *tracker) abort(ctx context.Context) (*execution.Result, error) {
	res, err := tr.fail(MarkerCancelled, context.Cause(ctx).Error())
	if err != nil {
		return nil, err
	}
	return res, ctx.Err()
}
