package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/taskforge/internal/domain"
)

// Settings configure one logical provider.
type Settings struct {
	Kind            string
	Model           string
	URL             string
	APIKey          string
	CostPer1KTokens float64
	MaxTokens       int
	Timeout         time.Duration
}

// Factory is a constructor function that creates a Provider of one kind.
type Factory func(s Settings) (Provider, error)

// Entry is a registered provider together with its pricing.
type Entry struct {
	Name            string
	Provider        Provider
	CostPer1KTokens float64
}

// Cost converts a token count into USD.
func (e Entry) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * e.CostPer1KTokens
}

// Registry maps logical provider names to providers. It is passed
// explicitly to whatever needs it; there is no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register makes p available under name.
func (r *Registry) Register(name string, p Provider, costPer1KTokens float64) error {
	if name == "" {
		return domain.NewValidationError("name", "must not be empty")
	}
	if p == nil {
		return domain.NewValidationError("provider", "must not be nil")
	}
	if costPer1KTokens < 0 {
		return domain.NewValidationError("cost_per_1k_tokens", "must be non-negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("provider %q: %w", name, domain.ErrConflict)
	}
	r.entries[name] = Entry{Name: name, Provider: p, CostPer1KTokens: costPer1KTokens}
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("provider %q: %w", name, domain.ErrNotFound)
	}
	return e, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs a registry from per-name settings, using factories
// keyed by Settings.Kind.
func Build(settings map[string]Settings, factories map[string]Factory) (*Registry, error) {
	r := NewRegistry()
	for name, s := range settings {
		factory, ok := factories[s.Kind]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown kind %q", name, s.Kind)
		}
		p, err := factory(s)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		if err := r.Register(name, p, s.CostPer1KTokens); err != nil {
			return nil, err
		}
	}
	return r, nil
}
