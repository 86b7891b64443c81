package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	tfotel "github.com/Strob0t/taskforge/internal/adapter/otel"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/selection"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/logger"
	"github.com/Strob0t/taskforge/internal/port/broadcast"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/port/database"
	"github.com/Strob0t/taskforge/internal/resilience"
	"github.com/Strob0t/taskforge/internal/strategy"
)

// Failure reason prefixes recorded on tasks that end without a strategy verdict.
const (
	ReasonClassificationUnavailable = "ClassificationUnavailable"
	ReasonStrategyError             = "StrategyError"
	ReasonTimeout                   = "Timeout"
	ReasonInternal                  = "InternalError"
)

var (
	errCancelRequested = errors.New("cancellation requested")
	errProcessTimeout  = errors.New("processing timeout exceeded")
)

// detachedTimeout bounds writes made after the processing context ended.
const detachedTimeout = 10 * time.Second

// OrchestratorService drives a task through classify → select → execute →
// record → publish. ProcessTask may be called concurrently for distinct
// tasks; calls for the same task id are serialized.
type OrchestratorService struct {
	store      database.Store
	events     broadcast.Publisher
	classifier classifier.Classifier
	strategies *strategy.Registry
	cfg        config.Orchestrator
	metrics    *tfotel.Metrics

	locksMu sync.Mutex
	locks   map[string]*taskLock

	runningMu sync.Mutex
	running   map[string]context.CancelCauseFunc
	// cancelRequested marks tasks whose Cancel found no running entry; a
	// run registering for the task first consumes the mark.
	cancelRequested map[string]struct{}

	// standalone means no other worker can hold a task, so a task that is
	// in flight but not running here was abandoned by a previous process.
	standalone bool
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestratorService creates an OrchestratorService with all dependencies.
// metrics may be nil.
func NewOrchestratorService(
	store database.Store,
	events broadcast.Publisher,
	cls classifier.Classifier,
	strategies *strategy.Registry,
	cfg config.Orchestrator,
	metrics *tfotel.Metrics,
) *OrchestratorService {
	if events == nil {
		events = broadcast.Nop{}
	}
	return &OrchestratorService{
		store:      store,
		events:     events,
		classifier: cls,
		strategies: strategies,
		cfg:        cfg,
		metrics:    metrics,
		locks:      make(map[string]*taskLock),
		running:    make(map[string]context.CancelCauseFunc),

		cancelRequested: make(map[string]struct{}),
	}
}

// SetStandalone marks this orchestrator as the only worker.
func (s *OrchestratorService) SetStandalone(v bool) {
	s.standalone = v
}

// ProcessTask runs a pending task to a terminal state. The task is
// Completed, Failed or, if ctx is cancelled or Cancel is called while it
// runs, Cancelled. The returned error is non-nil only for misuse: a nil
// task or one that is not Pending.
func (s *OrchestratorService) ProcessTask(ctx context.Context, t *task.Task) error {
	if t == nil {
		return domain.NewValidationError("task", "must not be nil")
	}
	unlock := s.lock(t.ID)
	defer unlock()
	runCtx, done := s.track(ctx, t.ID)
	defer done()
	return s.run(runCtx, t)
}

// ProcessByID loads a task and processes it under the task lock. A task
// that is no longer Pending, for example because it was cancelled while
// queued, yields domain.ErrInvalidStateTransition.
func (s *OrchestratorService) ProcessByID(ctx context.Context, taskID string) error {
	unlock := s.lock(taskID)
	defer unlock()

	// Registered before loading so a Cancel arriving meanwhile reaches the run.
	runCtx, done := s.track(ctx, taskID)
	defer done()

	t, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.run(runCtx, t)
}

// track registers a cancellable context for taskID and returns it with the
// function that unregisters it. A cancellation requested before the run
// registered is applied at once.
func (s *OrchestratorService) track(ctx context.Context, taskID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.runningMu.Lock()
	s.running[taskID] = cancel
	if _, ok := s.cancelRequested[taskID]; ok {
		delete(s.cancelRequested, taskID)
		cancel(errCancelRequested)
	}
	s.runningMu.Unlock()

	return runCtx, func() {
		s.runningMu.Lock()
		delete(s.running, taskID)
		s.runningMu.Unlock()
		cancel(nil)
	}
}

func (s *OrchestratorService) run(ctx context.Context, t *task.Task) (err error) {
	if t.Status != task.StatusPending {
		return &domain.TransitionError{Entity: "task", Op: "ProcessTask", From: string(t.Status)}
	}

	ctx = logger.WithTaskID(ctx, t.ID)
	ctx, span := tfotel.StartTaskSpan(ctx, t.ID, t.UserID)
	defer func() { tfotel.EndSpan(span, err) }()

	if s.cfg.ProcessTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, s.cfg.ProcessTimeout, errProcessTimeout)
		defer cancelTimeout()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task processing panicked", "panic", r, "stack", string(debug.Stack()))
			s.abandon(ctx, t, fmt.Sprintf("%s: panic: %v", ReasonInternal, r))
			err = nil
		}
		s.metrics.RecordTaskEnd(ctx, string(t.Status), string(t.Strategy), time.Since(start), t.TotalCost())
		slog.InfoContext(ctx, "task processed",
			"status", t.Status,
			"strategy", t.Strategy,
			"executions", len(t.Executions),
			"tokens", t.TotalTokens(),
			"cost_usd", t.TotalCost(),
			"duration", time.Since(start))
	}()

	s.process(ctx, t)
	return nil
}

// Cancel requests cancellation of a task. A task running here stops
// issuing provider calls and ends Cancelled; a pending task is cancelled
// and persisted directly. A task in flight on another worker yields
// domain.ErrConflict and terminal tasks domain.ErrInvalidStateTransition.
func (s *OrchestratorService) Cancel(ctx context.Context, taskID string) error {
	s.runningMu.Lock()
	cancel, ok := s.running[taskID]
	if !ok {
		s.cancelRequested[taskID] = struct{}{}
	}
	s.runningMu.Unlock()
	if ok {
		cancel(errCancelRequested)
		slog.InfoContext(ctx, "cancellation requested", "task_id", taskID)
		return nil
	}

	unlock := s.lock(taskID)
	defer unlock()

	s.runningMu.Lock()
	_, stillRequested := s.cancelRequested[taskID]
	delete(s.cancelRequested, taskID)
	s.runningMu.Unlock()
	if !stillRequested {
		// A run that started while we waited took the request over.
		slog.InfoContext(ctx, "cancellation requested", "task_id", taskID)
		return nil
	}

	t, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	inFlight := t.Status == task.StatusClassifying || t.Status == task.StatusInProgress
	if inFlight && !s.standalone {
		return fmt.Errorf("task %s is %s on another worker: %w", taskID, t.Status, domain.ErrConflict)
	}
	if err := t.Cancel(); err != nil {
		return err
	}
	if err := s.saveTask(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, event.TaskCancelled, t)
	slog.InfoContext(ctx, "task cancelled", "task_id", taskID)
	return nil
}

// process runs the pipeline. Every exit path leaves t terminal.
func (s *OrchestratorService) process(ctx context.Context, t *task.Task) {
	if ctx.Err() != nil {
		s.stop(ctx, t)
		return
	}
	cls, err := s.classify(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			s.stop(ctx, t)
			return
		}
		s.metrics.RecordClassifyFailure(ctx)
		s.reject(ctx, t, fmt.Sprintf("%s: %v", ReasonClassificationUnavailable, err))
		return
	}
	t.Confidence = cls.Confidence
	if err := t.Classify(cls.Type, cls.Complexity); err != nil {
		// The classifier answered with values outside the known set.
		s.metrics.RecordClassifyFailure(ctx)
		s.reject(ctx, t, fmt.Sprintf("%s: %v", ReasonClassificationUnavailable, err))
		return
	}
	s.persist(ctx, t)
	s.publish(ctx, event.TaskClassified, t)
	slog.InfoContext(ctx, "task classified",
		"type", t.Type, "complexity", t.Complexity, "confidence", t.Confidence, "classifier", cls.ClassifierUsed)

	sel := selection.Select(selection.Input{
		Type:               t.Type,
		Complexity:         t.Complexity,
		RemainingBudgetUSD: s.remainingBudget(t),
		Escalate:           t.Escalate,
	}, selection.Policy{BudgetFloorUSD: s.cfg.BudgetFloorUSD})
	if sel.Downgraded {
		s.metrics.RecordDowngrade(ctx, string(sel.Strategy))
		slog.WarnContext(ctx, "strategy downgraded", "strategy", sel.Strategy, "reason", sel.Reason)
	}
	impl, err := s.strategies.Get(sel.Strategy)
	if err != nil {
		s.reject(ctx, t, fmt.Sprintf("%s: %v", ReasonStrategyError, err))
		return
	}
	if err := t.AssignStrategy(sel.Strategy, sel.Reason); err != nil {
		s.reject(ctx, t, fmt.Sprintf("%s: %v", ReasonInternal, err))
		return
	}
	s.publish(ctx, event.StrategySelected, t)

	if ctx.Err() != nil {
		s.stop(ctx, t)
		return
	}
	if err := t.Start(); err != nil {
		s.reject(ctx, t, fmt.Sprintf("%s: %v", ReasonInternal, err))
		return
	}
	s.persist(ctx, t)
	s.publish(ctx, event.TaskStarted, t)
	s.metrics.RecordTaskStarted(ctx, string(t.Strategy))

	res, execErr := s.execute(ctx, t, impl)
	s.recordExecutions(ctx, t)

	switch {
	case ctx.Err() != nil:
		s.stop(ctx, t)
	case execErr != nil:
		s.fail(ctx, t, fmt.Sprintf("%s: %v", ReasonStrategyError, execErr))
	case res == nil:
		s.fail(ctx, t, ReasonStrategyError+": strategy returned no result")
	case res.Success:
		if err := t.Complete(); err != nil {
			s.abandon(ctx, t, fmt.Sprintf("%s: %v", ReasonInternal, err))
			return
		}
		s.persist(ctx, t)
		s.publish(ctx, event.TaskCompleted, t)
	default:
		s.fail(ctx, t, res.ErrorDetails)
	}
}

// classify calls the classifier with bounded exponential backoff.
func (s *OrchestratorService) classify(ctx context.Context, t *task.Task) (classifier.Classification, error) {
	ctx, span := tfotel.StartClassifySpan(ctx, t.ID)
	policy := resilience.RetryPolicy{
		MaxRetries:      s.cfg.ClassifyRetries,
		InitialInterval: s.cfg.ClassifyBackoff,
		MaxInterval:     s.cfg.ClassifyBackoff * 8,
		Notify: func(err error, next time.Duration) {
			slog.WarnContext(ctx, "classification failed, retrying", "error", err, "retry_in", next)
		},
	}
	cls, err := resilience.Retry(ctx, policy, func(ctx context.Context) (classifier.Classification, error) {
		return s.classifier.Classify(ctx, t.Description)
	})
	tfotel.EndSpan(span, err)
	return cls, err
}

// execute runs the strategy, converting a panic into an error.
func (s *OrchestratorService) execute(ctx context.Context, t *task.Task, impl strategy.Strategy) (res *execution.Result, err error) {
	ctx, span := tfotel.StartStrategySpan(ctx, t.ID, string(t.Strategy))
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "strategy panicked", "panic", r, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
		tfotel.EndSpan(span, err)
	}()

	return impl.Execute(ctx, t, strategy.Input{
		Context:            t.Context,
		RemainingBudgetUSD: s.remainingBudget(t),
	})
}

func (s *OrchestratorService) remainingBudget(t *task.Task) float64 {
	budget := t.BudgetUSD
	if budget == 0 {
		budget = s.cfg.DefaultBudgetUSD
	}
	return max(budget-t.TotalCost(), 0)
}

// recordExecutions persists every execution and its result and publishes
// ExecutionRecorded for each. Saves are idempotent, so executions stored
// by an earlier call are simply overwritten.
func (s *OrchestratorService) recordExecutions(ctx context.Context, t *task.Task) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	for _, e := range t.Executions {
		if err := s.retryPersist(wctx, func(ctx context.Context) error { return s.store.SaveExecution(ctx, e) }); err != nil {
			slog.ErrorContext(ctx, "failed to persist execution", "execution_id", e.ID, "error", err)
			continue
		}
		if e.Result != nil {
			if err := s.retryPersist(wctx, func(ctx context.Context) error { return s.store.SaveResult(ctx, e.Result) }); err != nil {
				slog.ErrorContext(ctx, "failed to persist result", "execution_id", e.ID, "error", err)
			}
		}
		s.publishEvent(ctx, event.ForExecution(t, e))
	}
}

func (s *OrchestratorService) fail(ctx context.Context, t *task.Task, reason string) {
	if err := t.Fail(reason); err != nil {
		s.abandon(ctx, t, reason)
		return
	}
	slog.WarnContext(ctx, "task failed", "reason", reason)
	s.persist(ctx, t)
	s.publish(ctx, event.TaskFailed, t)
}

func (s *OrchestratorService) reject(ctx context.Context, t *task.Task, reason string) {
	if err := t.Reject(reason); err != nil {
		s.abandon(ctx, t, reason)
		return
	}
	slog.WarnContext(ctx, "task rejected", "reason", reason)
	s.persist(ctx, t)
	s.publish(ctx, event.TaskFailed, t)
}

// stop ends a task whose context ended. A processing timeout fails the
// task; any other cancellation cancels it.
func (s *OrchestratorService) stop(ctx context.Context, t *task.Task) {
	cause := context.Cause(ctx)
	if errors.Is(cause, errProcessTimeout) {
		reason := fmt.Sprintf("%s: %v after %s", ReasonTimeout, cause, s.cfg.ProcessTimeout)
		if t.Status == task.StatusInProgress {
			s.fail(ctx, t, reason)
		} else {
			s.reject(ctx, t, reason)
		}
		return
	}
	if err := t.Cancel(); err != nil {
		slog.ErrorContext(ctx, "cancel transition refused", "error", err)
		return
	}
	slog.InfoContext(ctx, "task cancelled", "cause", cause)
	s.persist(ctx, t)
	s.publish(ctx, event.TaskCancelled, t)
}

// abandon forces a non-terminal task into Failed after an unexpected error.
func (s *OrchestratorService) abandon(ctx context.Context, t *task.Task, reason string) {
	var err error
	switch t.Status {
	case task.StatusInProgress:
		err = t.Fail(reason)
	case task.StatusPending, task.StatusClassifying:
		err = t.Reject(reason)
	default:
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to abandon task", "error", err)
		return
	}
	s.persist(ctx, t)
	s.publish(ctx, event.TaskFailed, t)
}

// persist saves t, logging rather than returning a failure so processing
// can still reach a terminal state.
func (s *OrchestratorService) persist(ctx context.Context, t *task.Task) {
	if err := s.saveTask(ctx, t); err != nil {
		slog.ErrorContext(ctx, "failed to persist task", "status", t.Status, "error", err)
	}
}

func (s *OrchestratorService) saveTask(ctx context.Context, t *task.Task) error {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	return s.retryPersist(wctx, func(ctx context.Context) error { return s.store.SaveTask(ctx, t) })
}

// writeContext keeps writes alive after cancellation so terminal states
// are recorded, bounded by detachedTimeout.
func (s *OrchestratorService) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
}

func (s *OrchestratorService) retryPersist(ctx context.Context, op func(context.Context) error) error {
	policy := resilience.RetryPolicy{
		MaxRetries:      s.cfg.PersistRetries,
		InitialInterval: s.cfg.PersistBackoff,
		MaxInterval:     s.cfg.PersistBackoff * 8,
		Jitter:          0.2,
	}
	_, err := resilience.Retry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (s *OrchestratorService) publish(ctx context.Context, name event.Name, t *task.Task) {
	s.publishEvent(ctx, event.ForTask(name, t))
}

// publishEvent is fire-and-forget; failures are logged.
func (s *OrchestratorService) publishEvent(ctx context.Context, ev event.TaskEvent) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := s.events.Publish(wctx, ev.Name, ev); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event", ev.Name, "error", err)
	}
}

// lock acquires the per-task mutex and returns its release function.
func (s *OrchestratorService) lock(taskID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &taskLock{}
		s.locks[taskID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, taskID)
		}
		s.locksMu.Unlock()
	}
}
