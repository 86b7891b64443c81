package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Tasks ---

const taskColumns = `id, user_id, title, description, type, complexity, confidence, strategy, strategy_reason,
	status, failure_reason, budget_usd, escalate, context, created_at, updated_at, started_at, completed_at`

// SaveTask upserts t without its executions.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return domain.NewValidationError("task", "must have an id")
	}
	contextJSON, err := json.Marshal(orEmptyMap(t.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			type = EXCLUDED.type,
			complexity = EXCLUDED.complexity,
			confidence = EXCLUDED.confidence,
			strategy = EXCLUDED.strategy,
			strategy_reason = EXCLUDED.strategy_reason,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			budget_usd = EXCLUDED.budget_usd,
			escalate = EXCLUDED.escalate,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.UserID, t.Title, t.Description, string(t.Type), string(t.Complexity), t.Confidence,
		string(t.Strategy), t.StrategyReason, string(t.Status), t.FailureReason, t.BudgetUSD, t.Escalate,
		contextJSON, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), utc(t.StartedAt), utc(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns the task with its executions in attachment order.
func (s *Store) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}

	execs, err := s.listExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Executions = execs
	return &t, nil
}

// ListTasks returns a user's tasks, newest first, without executions.
func (s *Store) ListTasks(ctx context.Context, userID string, limit int) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Executions = []*execution.Execution{}
		tasks = append(tasks, t)
	}
	return orEmpty(tasks), rows.Err()
}

func scanTask(row scannable) (task.Task, error) {
	var (
		t                            task.Task
		typ, complexity, strat, stat string
		contextJSON                  []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &typ, &complexity, &t.Confidence,
		&strat, &t.StrategyReason, &stat, &t.FailureReason, &t.BudgetUSD, &t.Escalate,
		&contextJSON, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return t, err
	}
	t.Type = task.Type(typ)
	t.Complexity = task.Complexity(complexity)
	t.Strategy = execution.Strategy(strat)
	t.Status = task.Status(stat)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &t.Context); err != nil {
			return t, fmt.Errorf("unmarshal context: %w", err)
		}
		if len(t.Context) == 0 {
			t.Context = nil
		}
	}
	return t, nil
}

// --- Executions ---

// SaveExecution upserts e without its result. Rebinding an execution to
// another task yields domain.ErrConflict; an unsaved task domain.ErrNotFound.
func (s *Store) SaveExecution(ctx context.Context, e *execution.Execution) error {
	if e == nil || e.ID == "" {
		return domain.NewValidationError("execution", "must have an id")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, task_id, strategy, provider, model, attempt, status, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			attempt = EXCLUDED.attempt,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
		 WHERE executions.task_id = EXCLUDED.task_id`,
		e.ID, e.TaskID, string(e.Strategy), e.Provider, e.Model, e.Attempt, string(e.Status),
		e.StartedAt.UTC(), utc(e.CompletedAt))
	if err != nil {
		return missingParent(err, "save execution %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s belongs to another task: %w", e.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) listExecutions(ctx context.Context, taskID string) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.task_id, e.strategy, e.provider, e.model, e.attempt, e.status, e.started_at, e.completed_at,
			r.id, r.success, r.tokens_used, r.cost_usd, r.duration_ns, r.error_details, r.change_summary,
			r.files_changed, r.lines_added, r.lines_removed, r.content, r.selected_provider, r.candidates, r.steps
		 FROM executions e
		 LEFT JOIN results r ON r.execution_id = e.id
		 WHERE e.task_id = $1
		 ORDER BY e.seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions of task %s: %w", taskID, err)
	}
	defer rows.Close()

	execs := []*execution.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// resultRow holds the nullable side of the executions/results join.
type resultRow struct {
	id               *string
	success          *bool
	tokensUsed       *int
	costUSD          *float64
	durationNS       *int64
	errorDetails     *string
	changeSummary    *string
	filesChanged     *int
	linesAdded       *int
	linesRemoved     *int
	content          *string
	selectedProvider *string
	candidates       []byte
	steps            []byte
}

func scanExecution(row scannable) (*execution.Execution, error) {
	var (
		e             execution.Execution
		strat, status string
		r             resultRow
	)
	err := row.Scan(&e.ID, &e.TaskID, &strat, &e.Provider, &e.Model, &e.Attempt, &status, &e.StartedAt, &e.CompletedAt,
		&r.id, &r.success, &r.tokensUsed, &r.costUSD, &r.durationNS, &r.errorDetails, &r.changeSummary,
		&r.filesChanged, &r.linesAdded, &r.linesRemoved, &r.content, &r.selectedProvider, &r.candidates, &r.steps)
	if err != nil {
		return nil, err
	}
	e.Strategy = execution.Strategy(strat)
	e.Status = execution.Status(status)

	if r.id == nil {
		return &e, nil
	}
	res := &execution.Result{
		ID:               *r.id,
		ExecutionID:      e.ID,
		Success:          *r.success,
		TokensUsed:       *r.tokensUsed,
		CostUSD:          *r.costUSD,
		Duration:         time.Duration(*r.durationNS),
		ErrorDetails:     *r.errorDetails,
		ChangeSummary:    *r.changeSummary,
		FilesChanged:     *r.filesChanged,
		LinesAdded:       *r.linesAdded,
		LinesRemoved:     *r.linesRemoved,
		Content:          *r.content,
		SelectedProvider: *r.selectedProvider,
	}
	if err := json.Unmarshal(r.candidates, &res.Candidates); err != nil {
		return nil, fmt.Errorf("unmarshal candidates: %w", err)
	}
	if err := json.Unmarshal(r.steps, &res.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if len(res.Candidates) == 0 {
		res.Candidates = nil
	}
	if len(res.Steps) == 0 {
		res.Steps = nil
	}
	e.Result = res
	return &e, nil
}

// --- Results ---

// SaveResult upserts r keyed by its execution.
func (s *Store) SaveResult(ctx context.Context, r *execution.Result) error {
	if r == nil || r.ID == "" {
		return domain.NewValidationError("result", "must have an id")
	}
	candidates, err := json.Marshal(orEmpty(r.Candidates))
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	steps, err := json.Marshal(orEmpty(r.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO results (id, execution_id, success, tokens_used, cost_usd, duration_ns, error_details,
			change_summary, files_changed, lines_added, lines_removed, content, selected_provider, candidates, steps)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (execution_id) DO UPDATE SET
			success = EXCLUDED.success,
			tokens_used = EXCLUDED.tokens_used,
			cost_usd = EXCLUDED.cost_usd,
			duration_ns = EXCLUDED.duration_ns,
			error_details = EXCLUDED.error_details,
			change_summary = EXCLUDED.change_summary,
			files_changed = EXCLUDED.files_changed,
			lines_added = EXCLUDED.lines_added,
			lines_removed = EXCLUDED.lines_removed,
			content = EXCLUDED.content,
			selected_provider = EXCLUDED.selected_provider,
			candidates = EXCLUDED.candidates,
			steps = EXCLUDED.steps`,
		r.ID, r.ExecutionID, r.Success, r.TokensUsed, r.CostUSD, int64(r.Duration), r.ErrorDetails,
		r.ChangeSummary, r.FilesChanged, r.LinesAdded, r.LinesRemoved, r.Content, r.SelectedProvider,
		candidates, steps)
	if err != nil {
		return missingParent(err, "save result of execution %s", r.ExecutionID)
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
