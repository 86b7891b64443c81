package service_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/taskforge/internal/adapter/memory"
	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/service"
	"github.com/Strob0t/taskforge/internal/strategy"
)

func TestProcessTaskSimpleBugFixCompletes(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	diff := provider.Func(func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Content: validDiff, TokensUsed: 1500, Model: "test-model"}, nil
	})
	unused := provider.Func(func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, errors.New("quality provider must not be called")
	})
	orch := newOrchestrator(store, pub, simpleBugFix(), configuredStrategies(t, diff, unused, 0.02), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got, err := store.LoadTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", got.Status, got.FailureReason)
	}
	if got.Strategy != execution.StrategySingleShot {
		t.Fatalf("expected single_shot, got %q", got.Strategy)
	}
	if len(got.Executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(got.Executions))
	}
	res := got.Executions[0].Result
	if res == nil || !res.Success || res.TokensUsed != 1500 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.CostUSD < 0.0299 || res.CostUSD > 0.0301 {
		t.Fatalf("expected cost 0.03, got %f", res.CostUSD)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || !got.CompletedAt.After(*got.StartedAt) {
		t.Fatalf("timestamps out of order: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	want := []event.Name{event.TaskClassified, event.StrategySelected, event.TaskStarted, event.ExecutionRecorded, event.TaskCompleted}
	if names := pub.names(tk.ID); !slices.Equal(names, want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
}

func TestProcessTaskClassifierUnavailable(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	cls := &fakeClassifier{err: errors.New("connection refused"), failures: -1}
	ran := false
	r := only(strategyFunc(func(context.Context, *task.Task, strategy.Input) (*execution.Result, error) {
		ran = true
		return nil, nil
	}))
	cfg := testConfig()
	orch := newOrchestrator(store, pub, cls, r, cfg)
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if n := cls.callCount(); n != cfg.ClassifyRetries+1 {
		t.Fatalf("expected %d classifier calls, got %d", cfg.ClassifyRetries+1, n)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, service.ReasonClassificationUnavailable) {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
	if len(got.Executions) != 0 || ran {
		t.Fatal("no strategy may run without a classification")
	}
	if got.StartedAt != nil {
		t.Fatal("rejected task must not have started_at")
	}
	if names := pub.names(tk.ID); !slices.Equal(names, []event.Name{event.TaskFailed}) {
		t.Fatalf("unexpected events %v", names)
	}
}

func TestProcessTaskClassifierRecovers(t *testing.T) {
	store := memory.NewStore()
	cls := simpleBugFix()
	cls.err = errors.New("503")
	cls.failures = 2
	orch := newOrchestrator(store, newRecordingPublisher(), cls, only(succeeding(10, 0.001)), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if tk.Status != task.StatusCompleted {
		t.Fatalf("expected completed after classifier recovery, got %q", tk.Status)
	}
	if cls.callCount() != 3 {
		t.Fatalf("expected 3 classifier calls, got %d", cls.callCount())
	}
}

func TestProcessTaskUnknownClassificationRejected(t *testing.T) {
	store := memory.NewStore()
	cls := &fakeClassifier{cls: classifier.Classification{Type: "chore", Complexity: task.ComplexitySimple}}
	orch := newOrchestrator(store, newRecordingPublisher(), cls, only(succeeding(10, 0.001)), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if tk.Status != task.StatusFailed || !strings.HasPrefix(tk.FailureReason, service.ReasonClassificationUnavailable) {
		t.Fatalf("unexpected state %q / %q", tk.Status, tk.FailureReason)
	}
}

func TestProcessTaskStrategyFailureFailsTask(t *testing.T) {
	store := memory.NewStore()
	failing := strategyFunc(func(_ context.Context, t *task.Task, _ strategy.Input) (*execution.Result, error) {
		e, _ := execution.New(t.ID, t.Strategy, "fast")
		if err := t.AddExecution(e); err != nil {
			return nil, err
		}
		return e.Fail(200, 0.004, time.Millisecond, "ValidationError: no file headers (--- / +++) found")
	})
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(failing), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.FailureReason, "ValidationError") {
		t.Fatalf("unexpected state %q / %q", got.Status, got.FailureReason)
	}
	if len(got.Executions) != 1 || got.Executions[0].Result.Success {
		t.Fatalf("expected one failed execution, got %+v", got.Executions)
	}
}

func TestProcessTaskStrategyPanic(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	panicking := strategyFunc(func(context.Context, *task.Task, strategy.Input) (*execution.Result, error) {
		panic("boom")
	})
	orch := newOrchestrator(store, pub, simpleBugFix(), only(panicking), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, service.ReasonStrategyError) || !strings.Contains(got.FailureReason, "boom") {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
}

func TestProcessTaskMisuse(t *testing.T) {
	orch := newOrchestrator(memory.NewStore(), newRecordingPublisher(), simpleBugFix(), only(succeeding(1, 0)), testConfig())

	if err := orch.ProcessTask(context.Background(), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for nil task, got %v", err)
	}

	tk := newPendingTask(t, nil)
	_ = tk.Cancel()
	if err := orch.ProcessTask(context.Background(), tk); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestProcessByIDMissingTask(t *testing.T) {
	orch := newOrchestrator(memory.NewStore(), newRecordingPublisher(), simpleBugFix(), only(succeeding(1, 0)), testConfig())
	if err := orch.ProcessByID(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	started := make(chan string, 1)
	orch := newOrchestrator(store, pub, simpleBugFix(), only(blocking(started)), testConfig())
	tk := newPendingTask(t, store)

	done := make(chan error, 1)
	go func() { done <- orch.ProcessTask(context.Background(), tk) }()
	<-started

	if err := orch.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ProcessTask: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessTask did not return after cancellation")
	}

	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled || got.CompletedAt == nil {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	names := pub.names(tk.ID)
	if names[len(names)-1] != event.TaskCancelled {
		t.Fatalf("expected TaskCancelled last, got %v", names)
	}
}

// gatedStore blocks the first LoadTask until release is closed.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	loading chan struct{}
	release chan struct{}
}

func (g *gatedStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	g.once.Do(func() {
		close(g.loading)
		<-g.release
	})
	return g.Store.LoadTask(ctx, id)
}

func TestCancelWhileTaskLoads(t *testing.T) {
	mem := memory.NewStore()
	store := &gatedStore{Store: mem, loading: make(chan struct{}), release: make(chan struct{})}
	pub := newRecordingPublisher()
	cls := simpleBugFix()
	orch := service.NewOrchestratorService(store, pub, cls, only(succeeding(1, 0)), testConfig(), nil)
	tk := newPendingTask(t, mem)

	done := make(chan error, 1)
	go func() { done <- orch.ProcessByID(context.Background(), tk.ID) }()
	<-store.loading

	cancelled := make(chan error, 1)
	go func() { cancelled <- orch.Cancel(context.Background(), tk.ID) }()
	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel blocked behind the task load")
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("ProcessByID: %v", err)
	}

	got, _ := mem.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled || got.CompletedAt == nil {
		t.Fatalf("expected cancelled, got %q (%s)", got.Status, got.FailureReason)
	}
	if n := cls.callCount(); n != 0 {
		t.Fatalf("classifier called %d times after cancellation", n)
	}
	if len(got.Executions) != 0 {
		t.Fatalf("expected no executions, got %d", len(got.Executions))
	}
	if names := pub.names(tk.ID); !slices.Equal(names, []event.Name{event.TaskCancelled}) {
		t.Fatalf("unexpected events %v", names)
	}
}

func TestProcessTaskParentContextCancelled(t *testing.T) {
	store := memory.NewStore()
	started := make(chan string, 1)
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(blocking(started)), testConfig())
	tk := newPendingTask(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.ProcessTask(ctx, tk) }()
	<-started
	cancel()
	<-done

	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled state to be persisted, got %q", got.Status)
	}
}

func TestProcessTaskTimeoutFails(t *testing.T) {
	store := memory.NewStore()
	started := make(chan string, 1)
	cfg := testConfig()
	cfg.ProcessTimeout = 20 * time.Millisecond
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(blocking(started)), cfg)
	tk := newPendingTask(t, store)

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.FailureReason, service.ReasonTimeout) {
		t.Fatalf("unexpected state %q / %q", got.Status, got.FailureReason)
	}
}

func TestCancelPendingTask(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	orch := newOrchestrator(store, pub, simpleBugFix(), only(succeeding(1, 0)), testConfig())
	tk := newPendingTask(t, store)

	if err := orch.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if names := pub.names(tk.ID); !slices.Equal(names, []event.Name{event.TaskCancelled}) {
		t.Fatalf("unexpected events %v", names)
	}

	// Processing a cancelled task is refused.
	if err := orch.ProcessByID(context.Background(), tk.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := orch.Cancel(context.Background(), tk.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on second cancel, got %v", err)
	}
}

func TestCancelInFlightElsewhere(t *testing.T) {
	store := memory.NewStore()
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(succeeding(1, 0)), testConfig())
	tk := newPendingTask(t, nil)
	_ = tk.Classify(task.TypeFeature, task.ComplexityMedium)
	if err := store.SaveTask(context.Background(), tk); err != nil {
		t.Fatal(err)
	}

	if err := orch.Cancel(context.Background(), tk.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	orch.SetStandalone(true)
	if err := orch.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatalf("Cancel standalone: %v", err)
	}
	got, _ := store.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
}

func TestProcessTaskConcurrentDistinctTasks(t *testing.T) {
	store := memory.NewStore()
	pub := newRecordingPublisher()
	orch := newOrchestrator(store, pub, simpleBugFix(), only(succeeding(100, 0.001)), testConfig())

	const n = 16
	tasks := make([]*task.Task, n)
	for i := range tasks {
		tk, err := task.New(fmt.Sprintf("user-%d", i%3), fmt.Sprintf("task %d", i), "rename a variable")
		if err != nil {
			t.Fatal(err)
		}
		if err := store.SaveTask(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
		tasks[i] = tk
	}

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.ProcessByID(context.Background(), tk.ID); err != nil {
				t.Errorf("ProcessByID %s: %v", tk.ID, err)
			}
		}()
	}
	wg.Wait()

	for _, tk := range tasks {
		got, err := store.LoadTask(context.Background(), tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != task.StatusCompleted || len(got.Executions) != 1 {
			t.Fatalf("task %s: status %q with %d executions", tk.ID, got.Status, len(got.Executions))
		}
		if names := pub.names(tk.ID); names[len(names)-1] != event.TaskCompleted {
			t.Fatalf("task %s: events %v", tk.ID, names)
		}
	}
}

func TestProcessByIDSameTaskRunsOnce(t *testing.T) {
	store := memory.NewStore()
	var mu sync.Mutex
	runs := 0
	counting := strategyFunc(func(ctx context.Context, tk *task.Task, in strategy.Input) (*execution.Result, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return succeeding(1, 0).Execute(ctx, tk, in)
	})
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(counting), testConfig())
	tk := newPendingTask(t, store)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = orch.ProcessByID(context.Background(), tk.ID)
		}()
	}
	wg.Wait()

	refused := 0
	for _, err := range errs {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			refused++
		}
	}
	if runs != 1 || refused != len(errs)-1 {
		t.Fatalf("expected exactly one run, got runs=%d refused=%d", runs, refused)
	}
}

func TestProcessTaskBudgetPassedToStrategy(t *testing.T) {
	store := memory.NewStore()
	var got strategy.Input
	capture := strategyFunc(func(ctx context.Context, tk *task.Task, in strategy.Input) (*execution.Result, error) {
		got = in
		return succeeding(1, 0).Execute(ctx, tk, in)
	})
	orch := newOrchestrator(store, newRecordingPublisher(), simpleBugFix(), only(capture), testConfig())
	tk, _ := task.FromRequest(task.CreateRequest{
		UserID: "u1", Title: "t", Description: "d", BudgetUSD: 2.5,
		Context: map[string]string{"main.go": "package main"},
	})

	if err := orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	if got.RemainingBudgetUSD != 2.5 || got.Context["main.go"] != "package main" {
		t.Fatalf("unexpected strategy input %+v", got)
	}
}
