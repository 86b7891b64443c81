package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/port/broadcast"
	"github.com/Strob0t/taskforge/internal/port/notifier"
)

// NotifyingPublisher forwards every event to next and pushes terminal task
// outcomes to chat notifiers in the background. Notifier failures are
// logged and never reach the caller.
type NotifyingPublisher struct {
	next      broadcast.Publisher
	notifiers []notifier.Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewNotifyingPublisher wraps next. A nil next discards events.
func NewNotifyingPublisher(next broadcast.Publisher, notifiers []notifier.Notifier, timeout time.Duration) *NotifyingPublisher {
	if next == nil {
		next = broadcast.Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotifyingPublisher{next: next, notifiers: notifiers, timeout: timeout}
}

// Publish implements broadcast.Publisher.
func (p *NotifyingPublisher) Publish(ctx context.Context, name event.Name, payload any) error {
	err := p.next.Publish(ctx, name, payload)

	if len(p.notifiers) == 0 {
		return err
	}
	ev, ok := payload.(event.TaskEvent)
	if !ok {
		return err
	}
	if n, ok := notificationFor(ev); ok {
		p.send(ctx, n)
	}
	return err
}

// Wait blocks until all background sends have finished.
func (p *NotifyingPublisher) Wait() {
	p.wg.Wait()
}

func (p *NotifyingPublisher) send(ctx context.Context, n notifier.Notification) {
	base := context.WithoutCancel(ctx)
	for _, nt := range p.notifiers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, p.timeout)
			defer cancel()
			if err := nt.Send(sendCtx, n); err != nil {
				slog.WarnContext(sendCtx, "notification failed", "notifier", nt.Name(), "source", n.Source, "error", err)
			}
		}()
	}
}

// notificationFor renders terminal events; other events are not notified.
func notificationFor(ev event.TaskEvent) (notifier.Notification, bool) {
	n := notifier.Notification{Source: string(ev.Name)}
	switch ev.Name {
	case event.TaskCompleted:
		n.Title = fmt.Sprintf("Task %s completed", shortID(ev.TaskID))
		n.Level = notifier.LevelSuccess
	case event.TaskFailed:
		n.Title = fmt.Sprintf("Task %s failed", shortID(ev.TaskID))
		n.Level = notifier.LevelError
		n.Message = ev.Reason
	case event.TaskCancelled:
		n.Title = fmt.Sprintf("Task %s cancelled", shortID(ev.TaskID))
		n.Level = notifier.LevelWarning
	default:
		return notifier.Notification{}, false
	}

	n.Fields = append(n.Fields, notifier.Field{Name: "Task", Value: ev.TaskID}, notifier.Field{Name: "User", Value: ev.UserID})
	if ev.Type != "" {
		n.Fields = append(n.Fields, notifier.Field{Name: "Type", Value: fmt.Sprintf("%s / %s", ev.Type, ev.Complexity)})
	}
	if ev.Strategy != "" {
		n.Fields = append(n.Fields, notifier.Field{Name: "Strategy", Value: ev.Strategy})
	}
	if ev.Name == event.TaskCompleted {
		n.Fields = append(n.Fields,
			notifier.Field{Name: "Tokens", Value: fmt.Sprintf("%d", ev.TokensUsed)},
			notifier.Field{Name: "Cost", Value: fmt.Sprintf("$%.4f", ev.CostUSD)},
		)
	}
	return n, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
