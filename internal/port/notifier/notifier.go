// Package notifier defines the port for pushing task outcome notifications
// to chat channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Field is a labelled value rendered alongside the message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Level   Level   `json:"level"`
	Source  string  `json:"source"` // event name, e.g. "TaskCompleted"
	Fields  []Field `json:"fields,omitempty"`
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	// Name identifies the channel kind, e.g. "slack".
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Factory creates a Notifier from channel settings such as "webhook_url".
type Factory func(settings map[string]string) (Notifier, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a notifier factory available by kind. Adapters call it
// from init().
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("notifier: duplicate registration for %q", kind))
	}
	factories[kind] = factory
}

// New creates a Notifier of the given kind.
func New(kind string, settings map[string]string) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("notifier: unknown kind %q", kind)
	}
	return factory(settings)
}

// Available returns the registered kinds, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
