package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Iterative calls the provider up to maxAttempts times, feeding validation
// errors of each rejected attempt into the next prompt. Every attempt is
// recorded as its own Execution.
type Iterative struct {
	caller      *Caller
	provider    string
	validator   Validator
	maxAttempts int
}

// NewIterative creates the iterative strategy. maxAttempts is clamped to
// [1, config.MaxIterationsLimit].
func NewIterative(caller *Caller, providerName string, v Validator, maxAttempts int) *Iterative {
	maxAttempts = min(max(maxAttempts, 1), config.MaxIterationsLimit)
	return &Iterative{caller: caller, provider: providerName, validator: v, maxAttempts: maxAttempts}
}

// Execute implements Strategy.
func (s *Iterative) Execute(ctx context.Context, t *task.Task, in Input) (*execution.Result, error) {
	var (
		feedback []string
		spent    float64
		last     *execution.Result
	)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				return last, err
			}
			if in.RemainingBudgetUSD > 0 && spent >= in.RemainingBudgetUSD {
				details := fmt.Sprintf("%s: spent $%.4f of $%.4f after %d attempts; last: %s",
					MarkerBudget, spent, in.RemainingBudgetUSD, attempt-1, last.ErrorDetails)
				if err := last.SetError(details); err != nil {
					return nil, err
				}
				return last, nil
			}
		}

		exec, err := begin(t, execution.StrategyIterative, s.provider, attempt)
		if err != nil {
			return nil, err
		}
		tr := track(exec)

		reply, err := s.caller.Call(ctx, s.provider, "coder", coderRequest(t, in, feedback))
		tr.add(reply)
		spent += reply.CostUSD
		if err != nil {
			if ctx.Err() != nil {
				return tr.abort(ctx)
			}
			return tr.fail(MarkerProvider, err.Error())
		}

		rep := s.validator.Validate(reply.Content)
		if rep.Valid {
			return accept(tr, reply.Content, rep)
		}

		slog.InfoContext(ctx, "iteration rejected",
			"task_id", t.ID, "attempt", attempt, "max_attempts", s.maxAttempts, "errors", len(rep.Errors))
		feedback = append(feedback, rep.Summary())
		last, err = tr.fail(MarkerValidation, rep.Summary())
		if err != nil {
			return nil, err
		}
	}

	details := fmt.Sprintf("%s: %d attempts; last: %s", MarkerMaxIterations, s.maxAttempts, last.ErrorDetails)
	if err := last.SetError(details); err != nil {
		return nil, err
	}
	return last, nil
}
