package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/notifier"
	"github.com/Strob0t/taskforge/internal/service"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
	err  error
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Send(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) notifications() []notifier.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Notification(nil), f.sent...)
}

func TestNotifyingPublisherSendsTerminalEvents(t *testing.T) {
	next := newRecordingPublisher()
	fake := &fakeNotifier{}
	p := service.NewNotifyingPublisher(next, []notifier.Notifier{fake}, time.Second)

	ctx := context.Background()
	for _, name := range []event.Name{event.TaskClassified, event.TaskStarted, event.TaskCompleted} {
		ev := event.TaskEvent{Name: name, TaskID: "0123456789abcdef", UserID: "u1", Status: task.StatusCompleted,
			Type: task.TypeBugFix, Complexity: task.ComplexitySimple, Strategy: "single_shot", TokensUsed: 1500, CostUSD: 0.03}
		if err := p.Publish(ctx, name, ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	p.Wait()

	if got := next.names("0123456789abcdef"); len(got) != 3 {
		t.Fatalf("expected all 3 events forwarded, got %v", got)
	}
	sent := fake.notifications()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	n := sent[0]
	if n.Title != "Task 01234567 completed" || n.Level != notifier.LevelSuccess || n.Source != "TaskCompleted" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	found := false
	for _, f := range n.Fields {
		if f.Name == "Cost" && f.Value == "$0.0300" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cost field, got %+v", n.Fields)
	}
}

func TestNotifyingPublisherFailureCarriesReason(t *testing.T) {
	fake := &fakeNotifier{}
	p := service.NewNotifyingPublisher(nil, []notifier.Notifier{fake}, time.Second)

	err := p.Publish(context.Background(), event.TaskFailed, event.TaskEvent{
		Name: event.TaskFailed, TaskID: "t1", Reason: "ClassificationUnavailable: timeout",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	p.Wait()

	sent := fake.notifications()
	if len(sent) != 1 || sent[0].Level != notifier.LevelError || sent[0].Message != "ClassificationUnavailable: timeout" {
		t.Fatalf("unexpected notifications: %+v", sent)
	}
}

func TestNotifyingPublisherIgnoresNotifierErrors(t *testing.T) {
	fake := &fakeNotifier{err: errors.New("webhook down")}
	p := service.NewNotifyingPublisher(nil, []notifier.Notifier{fake}, time.Second)

	err := p.Publish(context.Background(), event.TaskCancelled, event.TaskEvent{Name: event.TaskCancelled, TaskID: "t1"})
	if err != nil {
		t.Fatalf("notifier failure must not surface, got %v", err)
	}
	p.Wait()
	if len(fake.notifications()) != 1 {
		t.Fatal("expected one send attempt")
	}
}
