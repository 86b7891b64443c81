package strategy

import (
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/resilience"
)

// Build wires all four strategies from configuration.
func Build(cfg config.Strategies, caller *Caller) (*Registry, error) {
	v := DiffValidator{}

	hybrid, err := NewHybrid(caller, cfg.Hybrid.Providers, v,
		DefaultScorers(cfg.Hybrid.ValidationWeight, cfg.Hybrid.DiffSizeWeight))
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	r.Register(execution.StrategySingleShot, NewSingleShot(caller, cfg.SingleShotProvider, v))
	r.Register(execution.StrategyIterative, NewIterative(caller, cfg.IterativeProvider, v, cfg.MaxIterations))
	r.Register(execution.StrategyMultiAgent, NewMultiAgent(caller, Roles{
		Planner:  cfg.MultiAgent.Planner,
		Coder:    cfg.MultiAgent.Coder,
		Reviewer: cfg.MultiAgent.Reviewer,
		Tester:   cfg.MultiAgent.Tester,
	}, v, cfg.MultiAgent.MaxParallel, cfg.MultiAgent.MaxSteps))
	r.Register(execution.StrategyHybrid, hybrid)
	return r, nil
}

// RetryPolicy derives the provider retry policy from configuration.
func RetryPolicy(cfg config.Strategies) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:      cfg.ProviderRetries,
		InitialInterval: cfg.ProviderBackoff,
		MaxInterval:     cfg.ProviderBackoff * 16,
		Jitter:          0.2,
	}
}
