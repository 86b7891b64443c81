package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Roles binds each pipeline role to a logical provider name.
type Roles struct {
	Planner  string
	Coder    string
	Reviewer string
	Tester   string
}

// MultiAgent runs the plan → implement → review → merge → test pipeline.
// Steps are implemented and reviewed concurrently; the run succeeds only
// if every planned step is approved and the tester passes the merged change.
type MultiAgent struct {
	caller      *Caller
	roles       Roles
	validator   Validator
	maxParallel int
	maxSteps    int
}

// NewMultiAgent creates the multi-agent strategy.
func NewMultiAgent(caller *Caller, roles Roles, v Validator, maxParallel, maxSteps int) *MultiAgent {
	return &MultiAgent{
		caller:      caller,
		roles:       roles,
		validator:   v,
		maxParallel: max(maxParallel, 1),
		maxSteps:    max(maxSteps, 1),
	}
}

type plan struct {
	Steps []json.RawMessage `json:"steps"`
}

type review struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

type testReport struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures"`
}

// stepWork is the immutable outcome of one implement+review branch.
type stepWork struct {
	outcome execution.StepOutcome
	diff    string
	replies []Reply
}

// Execute implements Strategy.
func (s *MultiAgent) Execute(ctx context.Context, t *task.Task, in Input) (*execution.Result, error) {
	exec, err := begin(t, execution.StrategyMultiAgent, s.roles.Coder, 1)
	if err != nil {
		return nil, err
	}
	tr := track(exec)

	reply, err := s.caller.Call(ctx, s.roles.Planner, "planner", plannerRequest(t, in, s.maxSteps))
	tr.add(reply)
	if err != nil {
		if ctx.Err() != nil {
			return tr.abort(ctx)
		}
		return tr.fail(MarkerPlanning, err.Error())
	}
	steps, err := parsePlan(reply.Content, s.maxSteps)
	if err != nil {
		return tr.fail(MarkerPlanning, err.Error())
	}
	slog.InfoContext(ctx, "plan ready", "task_id", t.ID, "steps", len(steps))

	work := s.implement(ctx, t, in, steps)
	for _, w := range work {
		for _, r := range w.replies {
			tr.add(r)
		}
	}
	// Branches still in flight when cancelled are discarded.
	if ctx.Err() != nil {
		return tr.abort(ctx)
	}

	outcomes := make([]execution.StepOutcome, len(work))
	diffs := make([]string, 0, len(work))
	for i, w := range work {
		outcomes[i] = w.outcome
		if w.outcome.Approved {
			diffs = append(diffs, w.diff)
		}
	}

	if len(diffs) < len(steps) {
		res, err := tr.fail(MarkerPartial, fmt.Sprintf("%d/%d steps approved; all steps must be approved", len(diffs), len(steps)))
		if err != nil {
			return nil, err
		}
		res.Steps = outcomes
		return res, nil
	}

	merged := strings.Join(diffs, "\n")
	rep := s.validator.Validate(merged)
	if !rep.Valid {
		return s.finishFailed(tr, outcomes, MarkerValidation, "merged change: "+rep.Summary())
	}

	if in.RemainingBudgetUSD > 0 && tr.costUSD >= in.RemainingBudgetUSD {
		return s.finishFailed(tr, outcomes, MarkerBudget,
			fmt.Sprintf("spent $%.4f of $%.4f before testing", tr.costUSD, in.RemainingBudgetUSD))
	}

	reply, err = s.caller.Call(ctx, s.roles.Tester, "tester", testRequest(t, merged))
	tr.add(reply)
	if err != nil {
		if ctx.Err() != nil {
			return tr.abort(ctx)
		}
		return s.finishFailed(tr, outcomes, MarkerProvider, err.Error())
	}
	var tests testReport
	if err := decodeLenient(reply.Content, &tests); err != nil {
		return s.finishFailed(tr, outcomes, MarkerTests, "unreadable tester report: "+err.Error())
	}
	if !tests.Passed {
		detail := strings.Join(tests.Failures, "; ")
		if detail == "" {
			detail = "tester reported failure"
		}
		return s.finishFailed(tr, outcomes, MarkerTests, detail)
	}

	res, err := accept(tr, merged, rep)
	if err != nil {
		return nil, err
	}
	res.Steps = outcomes
	return res, nil
}

func (s *MultiAgent) finishFailed(tr *tracker, outcomes []execution.StepOutcome, marker, detail string) (*execution.Result, error) {
	res, err := tr.fail(marker, detail)
	if err != nil {
		return nil, err
	}
	res.Steps = outcomes
	return res, nil
}

// implement runs coder and reviewer for every step. Each branch writes only
// its own slot of the returned slice.
func (s *MultiAgent) implement(ctx context.Context, t *task.Task, in Input, steps []string) []stepWork {
	work := make([]stepWork, len(steps))

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i := range steps {
		g.Go(func() error {
			work[i] = s.runStep(ctx, t, in, steps, i)
			return nil
		})
	}
	_ = g.Wait()
	return work
}

func (s *MultiAgent) runStep(ctx context.Context, t *task.Task, in Input, steps []string, i int) stepWork {
	w := stepWork{outcome: execution.StepOutcome{Index: i, Description: steps[i]}}
	if ctx.Err() != nil {
		w.outcome.Feedback = MarkerCancelled
		return w
	}

	code, err := s.caller.Call(ctx, s.roles.Coder, "coder", stepRequest(t, in, steps, i))
	w.replies = append(w.replies, code)
	if err != nil {
		w.outcome.Feedback = MarkerProvider + ": " + err.Error()
		return w
	}
	rep := s.validator.Validate(code.Content)
	if !rep.Valid {
		w.outcome.Feedback = MarkerValidation + ": " + rep.Summary()
		return w
	}
	w.diff = stripFences(code.Content)

	rv, err := s.caller.Call(ctx, s.roles.Reviewer, "reviewer", reviewRequest(t, steps[i], w.diff))
	w.replies = append(w.replies, rv)
	if err != nil {
		w.outcome.Feedback = MarkerProvider + ": " + err.Error()
		return w
	}
	var verdict review
	if err := decodeLenient(rv.Content, &verdict); err != nil {
		w.outcome.Feedback = "unreadable review: " + err.Error()
		return w
	}
	w.outcome.Approved = verdict.Approved
	w.outcome.Feedback = verdict.Feedback
	return w
}

// parsePlan reads the planner reply. Steps may be plain strings or
// objects with a description field. At most maxSteps are kept.
func parsePlan(content string, maxSteps int) ([]string, error) {
	var p plan
	if err := decodeLenient(content, &p); err != nil {
		return nil, fmt.Errorf("unreadable plan: %w", err)
	}
	steps := make([]string, 0, len(p.Steps))
	for _, raw := range p.Steps {
		var desc string
		if err := json.Unmarshal(raw, &desc); err != nil {
			var obj struct {
				Description string `json:"description"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("unreadable step %d: %w", len(steps)+1, err)
			}
			desc = obj.Description
		}
		if desc = strings.TrimSpace(desc); desc != "" {
			steps = append(steps, desc)
		}
	}
	if len(steps) == 0 {
		return nil, errors.New("plan has no steps")
	}
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps, nil
}

// decodeLenient unmarshals model output into v, repairing common JSON
// defects (fences, trailing commas, single quotes) first.
func decodeLenient(content string, v any) error {
	raw := stripFences(content)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}
