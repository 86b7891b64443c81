package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/taskforge/internal/adapter/postgres"
	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func newTask(t *testing.T, userID string) *task.Task {
	t.Helper()
	tk, err := task.FromRequest(task.CreateRequest{
		UserID:      userID,
		Title:       "Fix password reset",
		Description: "Reset panics when the user is nil",
		BudgetUSD:   2,
		Context:     map[string]string{"auth/reset.go": "package auth"},
	})
	if err != nil {
		t.Fatalf("task.FromRequest: %v", err)
	}
	return tk
}

func TestStore_TaskRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	tk := newTask(t, "pg-roundtrip")
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	_ = tk.Classify(task.TypeBugFix, task.ComplexityMedium)
	_ = tk.AssignStrategy(execution.StrategyIterative, "medium complexity")
	_ = tk.Start()

	first, _ := execution.New(tk.ID, execution.StrategyIterative, "fast")
	second, _ := execution.New(tk.ID, execution.StrategyIterative, "fast")
	second.Attempt = 2
	for _, e := range []*execution.Execution{first, second} {
		if err := tk.AddExecution(e); err != nil {
			t.Fatal(err)
		}
	}
	failed, _ := first.Fail(100, 0.002, 40*time.Millisecond, "ValidationError: file 1 has no hunks")
	ok, _ := second.Complete(300, 0.006, 90*time.Millisecond)
	_ = ok.SetChanges("1 file changed, +2 -1", 1, 2, 1)
	ok.Candidates = []execution.Candidate{{Provider: "fast", Score: 0.8, Valid: true}}
	_ = tk.Complete()

	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	for _, e := range tk.Executions {
		if err := store.SaveExecution(ctx, e); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		if err := store.SaveResult(ctx, e.Result); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}
	// Saves are idempotent.
	if err := store.SaveResult(ctx, failed); err != nil {
		t.Fatalf("SaveResult again: %v", err)
	}

	got, err := store.LoadTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Strategy != execution.StrategyIterative || got.Type != task.TypeBugFix {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Context["auth/reset.go"] != "package auth" || got.BudgetUSD != 2 {
		t.Fatalf("request fields lost: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*tk.StartedAt) {
		t.Fatalf("started_at mismatch: %v vs %v", got.StartedAt, tk.StartedAt)
	}
	if len(got.Executions) != 2 || got.Executions[0].ID != first.ID || got.Executions[1].ID != second.ID {
		t.Fatalf("execution order not preserved: %+v", got.Executions)
	}
	r := got.Executions[1].Result
	if r == nil || !r.Success || r.TokensUsed != 300 || r.Duration != 90*time.Millisecond || r.LinesAdded != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if len(r.Candidates) != 1 || r.Candidates[0].Provider != "fast" {
		t.Fatalf("candidates lost: %+v", r.Candidates)
	}
	if got.Executions[0].Result.ErrorDetails != failed.ErrorDetails {
		t.Fatalf("error details lost: %q", got.Executions[0].Result.ErrorDetails)
	}
	if got.TotalTokens() != 400 {
		t.Fatalf("expected 400 tokens, got %d", got.TotalTokens())
	}
}

func TestStore_LoadMissingTask(t *testing.T) {
	store := setupStore(t)
	if _, err := store.LoadTask(context.Background(), "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ExecutionOwnership(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := newTask(t, "pg-owner")
	b := newTask(t, "pg-owner")
	for _, tk := range []*task.Task{a, b} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := execution.New(a.ID, execution.StrategySingleShot, "fast")
	if err := store.SaveExecution(ctx, e); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	moved := *e
	moved.TaskID = b.ID
	if err := store.SaveExecution(ctx, &moved); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	orphan, _ := execution.New("no-such-task", execution.StrategySingleShot, "fast")
	if err := store.SaveExecution(ctx, orphan); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unsaved task, got %v", err)
	}
	res, _ := orphan.Complete(1, 0, 0)
	if err := store.SaveResult(ctx, res); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unsaved execution, got %v", err)
	}
}

func TestStore_ListTasks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := "pg-list-" + time.Now().Format("150405.000000")

	var ids []string
	for range 3 {
		tk := newTask(t, user)
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tk.ID)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := store.ListTasks(ctx, user, 2)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].ID != ids[2] {
		t.Fatalf("expected newest first, got %s", got[0].ID)
	}
	for _, tk := range got {
		if len(tk.Executions) != 0 {
			t.Fatal("ListTasks must not load executions")
		}
	}
}
