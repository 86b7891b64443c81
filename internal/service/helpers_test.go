package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/taskforge/internal/adapter/memory"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/port/messagequeue"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/resilience"
	"github.com/Strob0t/taskforge/internal/service"
	"github.com/Strob0t/taskforge/internal/strategy"
)

const validDiff = `--- a/auth/reset.go
+++ b/auth/reset.go
@@ -10,3 +10,4 @@ func Reset(u *User) error {
 	if u == nil {
-		return nil
+		return ErrNoUser
 	}
+	u.Token = ""
`

// fakeClassifier fails the first failures calls, then answers with cls.
type fakeClassifier struct {
	mu       sync.Mutex
	cls      classifier.Classification
	failures int
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (classifier.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.failures < 0 || f.calls <= f.failures) {
		return classifier.Classification{}, f.err
	}
	return f.cls, nil
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func simpleBugFix() *fakeClassifier {
	return &fakeClassifier{cls: classifier.Classification{
		Type: task.TypeBugFix, Complexity: task.ComplexitySimple, Confidence: 0.9, ClassifierUsed: "fake",
	}}
}

// recordingPublisher keeps every published event name per task.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]event.Name
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]event.Name)}
}

func (p *recordingPublisher) Publish(_ context.Context, name event.Name, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := payload.(event.TaskEvent)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.events[ev.TaskID] = append(p.events[ev.TaskID], name)
	return nil
}

func (p *recordingPublisher) names(taskID string) []event.Name {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Name(nil), p.events[taskID]...)
}

// strategyFunc adapts a function to strategy.Strategy.
type strategyFunc func(ctx context.Context, t *task.Task, in strategy.Input) (*execution.Result, error)

func (f strategyFunc) Execute(ctx context.Context, t *task.Task, in strategy.Input) (*execution.Result, error) {
	return f(ctx, t, in)
}

// only registers impl for every strategy name.
func only(impl strategy.Strategy) *strategy.Registry {
	r := strategy.NewRegistry()
	for _, s := range []execution.Strategy{
		execution.StrategySingleShot, execution.StrategyIterative,
		execution.StrategyMultiAgent, execution.StrategyHybrid,
	} {
		r.Register(s, impl)
	}
	return r
}

// configuredStrategies builds the real strategies over the given providers,
// priced at costPer1K.
func configuredStrategies(t *testing.T, fast, quality provider.Provider, costPer1K float64) *strategy.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register("fast", fast, costPer1K); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("quality", quality, costPer1K); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults().Strategies
	retry := resilience.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	r, err := strategy.Build(cfg, strategy.NewCaller(reg, resilience.NewLimiter(4), retry, nil))
	if err != nil {
		t.Fatalf("strategy.Build: %v", err)
	}
	return r
}

func testConfig() config.Orchestrator {
	cfg := config.Defaults().Orchestrator
	cfg.ClassifyBackoff = time.Millisecond
	cfg.PersistBackoff = time.Millisecond
	cfg.ProcessTimeout = 0
	return cfg
}

func newPendingTask(t *testing.T, store *memory.Store) *task.Task {
	t.Helper()
	tk, err := task.New("u1", "Fix password reset", "Reset panics when the user is nil")
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if store != nil {
		if err := store.SaveTask(context.Background(), tk); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	return tk
}

// succeeding completes a single execution with the given usage.
func succeeding(tokens int, cost float64) strategy.Strategy {
	return strategyFunc(func(_ context.Context, t *task.Task, _ strategy.Input) (*execution.Result, error) {
		e, err := execution.New(t.ID, t.Strategy, "fast")
		if err != nil {
			return nil, err
		}
		if err := t.AddExecution(e); err != nil {
			return nil, err
		}
		return e.Complete(tokens, cost, time.Millisecond)
	})
}

// blocking waits for cancellation, signalling started once it runs.
func blocking(started chan<- string) strategy.Strategy {
	return strategyFunc(func(ctx context.Context, t *task.Task, _ strategy.Input) (*execution.Result, error) {
		started <- t.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// memQueue delivers messages to subscribers asynchronously, one goroutine
// per message, mimicking a broker without redelivery.
type memQueue struct {
	mu       sync.Mutex
	handlers map[string]messagequeue.Handler
	wg       sync.WaitGroup
	errs     []error
}

func newMemQueue() *memQueue {
	return &memQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h, ok := q.handlers[subject]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := h(context.WithoutCancel(ctx), subject, data); err != nil {
			q.mu.Lock()
			q.errs = append(q.errs, err)
			q.mu.Unlock()
		}
	}()
	return nil
}

func (q *memQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

func (q *memQueue) Drain() error      { q.wg.Wait(); return nil }
func (q *memQueue) Close() error      { return nil }
func (q *memQueue) IsConnected() bool { return true }

func newOrchestrator(store *memory.Store, pub *recordingPublisher, cls classifier.Classifier, r *strategy.Registry, cfg config.Orchestrator) *service.OrchestratorService {
	return service.NewOrchestratorService(store, pub, cls, r, cfg, nil)
}
