package strategy

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// SingleShot makes one provider call and accepts the output if it validates.
type SingleShot struct {
	caller    *Caller
	provider  string
	validator Validator
}

// NewSingleShot creates the single-shot strategy using the named provider.
func NewSingleShot(caller *Caller, providerName string, v Validator) *SingleShot {
	return &SingleShot{caller: caller, provider: providerName, validator: v}
}

// Execute implements Strategy.
func (s *SingleShot) Execute(ctx context.Context, t *task.Task, in Input) (*execution.Result, error) {
	exec, err := begin(t, execution.StrategySingleShot, s.provider, 1)
	if err != nil {
		return nil, err
	}
	tr := track(exec)

	reply, err := s.caller.Call(ctx, s.provider, "coder", coderRequest(t, in, nil))
	tr.add(reply)
	if err != nil {
		if ctx.Err() != nil {
			return tr.abort(ctx)
		}
		return tr.fail(MarkerProvider, err.Error())
	}

	rep := s.validator.Validate(reply.Content)
	if !rep.Valid {
		slog.InfoContext(ctx, "single-shot output rejected", "task_id", t.ID, "errors", len(rep.Errors))
		return tr.fail(MarkerValidation, rep.Summary())
	}
	return accept(tr, reply.Content, rep)
}

// accept completes the execution with the validated change attached.
func accept(tr *tracker, content string, rep Report) (*execution.Result, error) {
	res, err := tr.succeed()
	if err != nil {
		return nil, err
	}
	res.Content = stripFences(content)
	if err := res.SetChanges(changeSummary(rep), rep.Files, rep.Added, rep.Removed); err != nil {
		return nil, err
	}
	return res, nil
}

func changeSummary(rep Report) string {
	return pluralize(rep.Files, "file") + " changed, " +
		pluralize(rep.Added, "insertion") + "(+), " +
		pluralize(rep.Removed, "deletion") + "(-)"
}

func pluralize(n int, word string) string {
	s := strconv.Itoa(n) + " " + word
	if n != 1 {
		s += "s"
	}
	return s
}
