// Package selection maps a classified task to an execution strategy.
package selection

import (
	"fmt"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Input is everything the selector looks at.
type Input struct {
	Type               task.Type
	Complexity         task.Complexity
	RemainingBudgetUSD float64
	Escalate           bool
}

// Policy holds the configured selection thresholds.
type Policy struct {
	// BudgetFloorUSD triggers a one-tier downgrade when the remaining
	// budget is below it. Zero disables downgrading.
	BudgetFloorUSD float64
}

// Selection is the chosen strategy and why.
type Selection struct {
	Strategy   execution.Strategy
	Downgraded bool
	Reason     string
}

// Select picks a strategy. It is pure and deterministic.
func Select(in Input, p Policy) Selection {
	s, why := byComplexity(in)
	if p.BudgetFloorUSD > 0 && in.RemainingBudgetUSD < p.BudgetFloorUSD {
		if lower := downgrade(s); lower != s {
			return Selection{
				Strategy:   lower,
				Downgraded: true,
				Reason: fmt.Sprintf("%s; remaining budget $%.4f below floor $%.4f, downgraded %s to %s",
					why, in.RemainingBudgetUSD, p.BudgetFloorUSD, s, lower),
			}
		}
	}
	return Selection{Strategy: s, Reason: why}
}

func byComplexity(in Input) (execution.Strategy, string) {
	if in.Escalate {
		return execution.StrategyHybrid, "escalation requested"
	}
	switch in.Complexity {
	case task.ComplexitySimple:
		return execution.StrategySingleShot, "simple complexity"
	case task.ComplexityMedium:
		return execution.StrategyIterative, "medium complexity"
	case task.ComplexityComplex:
		return execution.StrategyMultiAgent, "complex complexity"
	case task.ComplexityEpic:
		return execution.StrategyHybrid, "epic complexity"
	default:
		return execution.StrategyIterative, fmt.Sprintf("unrecognised complexity %q", in.Complexity)
	}
}

// downgrade returns the next cheaper strategy. SingleShot has no lower tier.
func downgrade(s execution.Strategy) execution.Strategy {
	switch s {
	case execution.StrategyHybrid:
		return execution.StrategyMultiAgent
	case execution.StrategyMultiAgent:
		return execution.StrategyIterative
	case execution.StrategyIterative:
		return execution.StrategySingleShot
	default:
		return s
	}
}
