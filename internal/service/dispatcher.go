package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/logger"
	"github.com/Strob0t/taskforge/internal/port/messagequeue"
)

// DispatcherService feeds created tasks to the orchestrator. With a queue
// it publishes tasks.created and tasks.cancel and consumes them, so any
// worker may pick a task up; without one it processes tasks in-process.
// At most maxConcurrent tasks are processed at once per worker.
type DispatcherService struct {
	orch  *OrchestratorService
	queue messagequeue.Queue
	sem   *semaphore.Weighted

	mu    sync.Mutex
	base  context.Context
	stops []func()
	wg    sync.WaitGroup
}

// NewDispatcherService creates a dispatcher. queue may be nil.
func NewDispatcherService(orch *OrchestratorService, queue messagequeue.Queue, maxConcurrent int) *DispatcherService {
	orch.SetStandalone(queue == nil)
	return &DispatcherService{
		orch:  orch,
		queue: queue,
		sem:   semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		base:  context.Background(),
	}
}

// Start subscribes to the task subjects. Processing contexts derive from
// ctx, so cancelling it cancels every running task.
func (d *DispatcherService) Start(ctx context.Context) error {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	if d.queue == nil {
		slog.Info("dispatcher started", "mode", "in-process")
		return nil
	}
	for subject, h := range map[string]messagequeue.Handler{
		messagequeue.SubjectTaskCreated: d.handleCreated,
		messagequeue.SubjectTaskCancel:  d.handleCancel,
	} {
		stop, err := d.queue.Subscribe(ctx, subject, h)
		if err != nil {
			d.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		d.mu.Lock()
		d.stops = append(d.stops, stop)
		d.mu.Unlock()
	}
	slog.Info("dispatcher started", "mode", "queue")
	return nil
}

// Stop ends the subscriptions and waits for in-flight tasks to finish.
func (d *DispatcherService) Stop() {
	d.mu.Lock()
	stops := d.stops
	d.stops = nil
	d.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	d.wg.Wait()
}

// Submit schedules a persisted task for processing.
func (d *DispatcherService) Submit(ctx context.Context, taskID, userID string) error {
	if d.queue != nil {
		data, err := json.Marshal(messagequeue.TaskCreatedPayload{TaskID: taskID, UserID: userID})
		if err != nil {
			return fmt.Errorf("marshal task created: %w", err)
		}
		return d.queue.Publish(ctx, messagequeue.SubjectTaskCreated, data)
	}
	d.spawn(ctx, taskID, false)
	return nil
}

// RequestCancel asks whichever worker holds the task to cancel it.
func (d *DispatcherService) RequestCancel(ctx context.Context, taskID, reason string) error {
	if d.queue != nil {
		data, err := json.Marshal(messagequeue.TaskCancelPayload{TaskID: taskID, Reason: reason})
		if err != nil {
			return fmt.Errorf("marshal task cancel: %w", err)
		}
		return d.queue.Publish(ctx, messagequeue.SubjectTaskCancel, data)
	}
	return d.orch.Cancel(ctx, taskID)
}

func (d *DispatcherService) handleCreated(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal task created: %w", err)
	}
	// Block the consumer while all slots are busy so the queue, not this
	// worker, buffers the backlog.
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.spawn(ctx, p.TaskID, true)
	return nil
}

func (d *DispatcherService) handleCancel(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal task cancel: %w", err)
	}
	err := d.orch.Cancel(ctx, p.TaskID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "task cancel handled", "task_id", p.TaskID, "reason", p.Reason)
		return nil
	case errors.Is(err, domain.ErrConflict):
		// Running on another worker; redelivery gives it a chance to see this.
		return err
	default:
		slog.WarnContext(ctx, "task cancel ignored", "task_id", p.TaskID, "error", err)
		return nil
	}
}

// spawn processes taskID in the background. acquired reports whether the
// caller already holds a semaphore slot.
func (d *DispatcherService) spawn(ctx context.Context, taskID string, acquired bool) {
	d.mu.Lock()
	base := d.base
	d.mu.Unlock()

	runCtx := base
	if id := logger.RequestID(ctx); id != "" {
		runCtx = logger.WithRequestID(runCtx, id)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if !acquired {
			if err := d.sem.Acquire(runCtx, 1); err != nil {
				slog.WarnContext(runCtx, "task not processed", "task_id", taskID, "error", err)
				return
			}
		}
		defer d.sem.Release(1)

		if err := d.orch.ProcessByID(runCtx, taskID); err != nil {
			slog.WarnContext(runCtx, "task not processed", "task_id", taskID, "error", err)
		}
	}()
}
