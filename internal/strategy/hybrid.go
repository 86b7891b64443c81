package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Hybrid sends the same prompt to several providers at once, scores the
// valid responses and keeps the best one.
type Hybrid struct {
	caller    *Caller
	providers []string
	validator Validator
	scorers   []WeightedScorer
}

// NewHybrid creates the hybrid strategy. providers must name at least two
// distinct providers; ties go to the earlier provider in the list.
func NewHybrid(caller *Caller, providers []string, v Validator, scorers []WeightedScorer) (*Hybrid, error) {
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p] {
			return nil, domain.NewValidationError("providers", fmt.Sprintf("%q listed twice", p))
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		return nil, domain.NewValidationError("providers", "hybrid needs at least 2 distinct providers")
	}
	return &Hybrid{caller: caller, providers: providers, validator: v, scorers: scorers}, nil
}

// DefaultScorers weights static validation against diff size.
func DefaultScorers(validationWeight, diffSizeWeight float64) []WeightedScorer {
	return []WeightedScorer{
		{Scorer: ValidationScorer{}, Weight: validationWeight},
		{Scorer: DiffSizeScorer{}, Weight: diffSizeWeight},
	}
}

type candidate struct {
	reply  Reply
	report Report
	err    error
}

// Execute implements Strategy.
func (s *Hybrid) Execute(ctx context.Context, t *task.Task, in Input) (*execution.Result, error) {
	exec, err := begin(t, execution.StrategyHybrid, s.providers[0], 1)
	if err != nil {
		return nil, err
	}
	tr := track(exec)

	req := coderRequest(t, in, nil)
	results := make([]candidate, len(s.providers))
	var g errgroup.Group
	for i, name := range s.providers {
		g.Go(func() error {
			reply, err := s.caller.Call(ctx, name, "candidate", req)
			c := candidate{reply: reply, err: err}
			if err == nil {
				c.report = s.validator.Validate(reply.Content)
			}
			results[i] = c
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range results {
		tr.add(c.reply)
	}
	if ctx.Err() != nil {
		return tr.abort(ctx)
	}

	candidates := make([]execution.Candidate, len(results))
	winner := -1
	for i, c := range results {
		cand := execution.Candidate{Provider: s.providers[i], Model: c.reply.Model}
		switch {
		case c.err != nil:
			cand.Error = c.err.Error()
		case !c.report.Valid:
			cand.Error = MarkerValidation + ": " + c.report.Summary()
		default:
			cand.Valid = true
			cand.Score = combinedScore(s.scorers, c.reply.Content, c.report)
			if winner < 0 || cand.Score > candidates[winner].Score {
				winner = i
			}
		}
		candidates[i] = cand
	}

	if winner < 0 {
		res, err := tr.fail(MarkerAllCandidates, fmt.Sprintf("%d candidates, none valid", len(results)))
		if err != nil {
			return nil, err
		}
		res.Candidates = candidates
		return res, nil
	}

	w := results[winner]
	exec.Provider = s.providers[winner]
	exec.Model = w.reply.Model
	slog.InfoContext(ctx, "hybrid candidate selected",
		"task_id", t.ID, "provider", exec.Provider, "score", candidates[winner].Score)

	res, err := accept(tr, w.reply.Content, w.report)
	if err != nil {
		return nil, err
	}
	res.SelectedProvider = exec.Provider
	res.Candidates = candidates
	return res, nil
}
