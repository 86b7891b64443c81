// Package broadcast defines the port for publishing task lifecycle events
// to outside subscribers.
package broadcast

import (
	"context"

	"github.com/Strob0t/taskforge/internal/domain/event"
)

// Publisher emits lifecycle events. Delivery guarantees belong to the
// implementation; subscribers must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, name event.Name, payload any) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, event.Name, any) error { return nil }
