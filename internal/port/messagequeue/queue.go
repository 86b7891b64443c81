// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by TaskForge.
const (
	SubjectTaskCreated = "tasks.created" // a persisted task awaits processing
	SubjectTaskCancel  = "tasks.cancel"  // cancel a pending or running task

	// SubjectEventsPrefix prefixes lifecycle event subjects: events.{EventName}.
	SubjectEventsPrefix = "events"
)

// EventSubject returns the subject a lifecycle event is published on.
func EventSubject(name string) string {
	return SubjectEventsPrefix + "." + name
}
