package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/taskforge/internal/domain/event"
	"github.com/Strob0t/taskforge/internal/port/messagequeue"
)

// EventPublisher publishes lifecycle events as JSON on events.{Name}.
type EventPublisher struct {
	q messagequeue.Queue
}

// NewEventPublisher creates an EventPublisher on q.
func NewEventPublisher(q messagequeue.Queue) *EventPublisher {
	return &EventPublisher{q: q}
}

// Publish implements broadcast.Publisher.
func (p *EventPublisher) Publish(ctx context.Context, name event.Name, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return p.q.Publish(ctx, messagequeue.EventSubject(string(name)), data)
}
