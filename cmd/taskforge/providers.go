package main

import (
	"log/slog"
	"sort"

	"github.com/Strob0t/taskforge/internal/adapter/anthropic"
	"github.com/Strob0t/taskforge/internal/adapter/classifierhttp"
	"github.com/Strob0t/taskforge/internal/adapter/heuristic"
	tfhttp "github.com/Strob0t/taskforge/internal/adapter/http"
	"github.com/Strob0t/taskforge/internal/adapter/litellm"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/resilience"
)

// buildProviders registers every configured provider under its logical
// name. Each provider gets its own circuit breaker. LiteLLM proxies are
// probed by /health, once per distinct URL.
func buildProviders(cfg *config.Config) (*provider.Registry, []tfhttp.HealthCheck, error) {
	settings := make(map[string]provider.Settings, len(cfg.Providers))
	for name, p := range cfg.Providers {
		settings[name] = provider.Settings{
			Kind:            p.Kind,
			Model:           p.Model,
			URL:             p.URL,
			APIKey:          p.APIKey,
			CostPer1KTokens: p.CostPer1KTokens,
			MaxTokens:       p.MaxTokens,
			Timeout:         p.Timeout,
		}
	}

	factories := map[string]provider.Factory{
		"litellm": func(s provider.Settings) (provider.Provider, error) {
			c := litellm.NewClient(s.URL, s.APIKey, s.Model, s.MaxTokens, s.Timeout)
			c.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
			return c, nil
		},
		"anthropic": func(s provider.Settings) (provider.Provider, error) {
			p, err := anthropic.New(anthropic.Config{
				Model:     s.Model,
				APIKey:    s.APIKey,
				BaseURL:   s.URL,
				MaxTokens: s.MaxTokens,
				Timeout:   s.Timeout,
			})
			if err != nil {
				return nil, err
			}
			p.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
			return p, nil
		},
	}

	registry, err := provider.Build(settings, factories)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var checks []tfhttp.HealthCheck
	probed := make(map[string]bool)
	for _, name := range names {
		p := cfg.Providers[name]
		if p.Kind != "litellm" || probed[p.URL] {
			continue
		}
		probed[p.URL] = true
		// A dedicated client keeps health probes from tripping the
		// provider's breaker.
		client := litellm.NewClient(p.URL, p.APIKey, p.Model, 0, 0)
		checks = append(checks, tfhttp.HealthCheck{Name: "litellm:" + name, Check: client.Health})
	}
	return registry, checks, nil
}

// buildClassifier returns the remote classifier when one is configured,
// otherwise the built-in keyword heuristic.
func buildClassifier(cfg *config.Config) (classifier.Classifier, []tfhttp.HealthCheck) {
	if cfg.Classifier.URL == "" {
		slog.Info("using heuristic classifier")
		return heuristic.New(), nil
	}

	c := classifierhttp.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout)
	c.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	slog.Info("using remote classifier", "url", cfg.Classifier.URL)

	probe := classifierhttp.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout)
	return c, []tfhttp.HealthCheck{{Name: "classifier", Check: probe.Health}}
}
