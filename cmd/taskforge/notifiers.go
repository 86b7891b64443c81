package main

// Notifier blank imports: each import activates a self-registering adapter.

import (
	"fmt"
	"sort"

	_ "github.com/Strob0t/taskforge/internal/adapter/discord"
	_ "github.com/Strob0t/taskforge/internal/adapter/slack"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/port/notifier"
)

// buildNotifiers creates one notifier per configured channel.
func buildNotifiers(cfg config.Notify) ([]notifier.Notifier, error) {
	kinds := make([]string, 0, len(cfg.Channels))
	for kind := range cfg.Channels {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	out := make([]notifier.Notifier, 0, len(kinds))
	for _, kind := range kinds {
		n, err := notifier.New(kind, cfg.Channels[kind])
		if err != nil {
			return nil, fmt.Errorf("notify.channels.%s: %w (available: %v)", kind, err, notifier.Available())
		}
		out = append(out, n)
	}
	return out, nil
}
