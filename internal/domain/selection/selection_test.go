package selection_test

import (
	"strings"
	"testing"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/selection"
	"github.com/Strob0t/taskforge/internal/domain/task"
)

func TestSelectByComplexity(t *testing.T) {
	tests := []struct {
		complexity task.Complexity
		escalate   bool
		want       execution.Strategy
	}{
		{task.ComplexitySimple, false, execution.StrategySingleShot},
		{task.ComplexityMedium, false, execution.StrategyIterative},
		{task.ComplexityComplex, false, execution.StrategyMultiAgent},
		{task.ComplexityEpic, false, execution.StrategyHybrid},
		{task.ComplexitySimple, true, execution.StrategyHybrid},
	}
	for _, tc := range tests {
		t.Run(string(tc.complexity), func(t *testing.T) {
			in := selection.Input{Type: task.TypeFeature, Complexity: tc.complexity, RemainingBudgetUSD: 10, Escalate: tc.escalate}
			got := selection.Select(in, selection.Policy{BudgetFloorUSD: 0.5})
			if got.Strategy != tc.want {
				t.Fatalf("Select = %q, want %q", got.Strategy, tc.want)
			}
			if got.Downgraded {
				t.Fatal("unexpected downgrade with ample budget")
			}
		})
	}
}

func TestSelectDowngradesOneTierBelowFloor(t *testing.T) {
	tests := []struct {
		complexity task.Complexity
		want       execution.Strategy
		downgraded bool
	}{
		{task.ComplexityEpic, execution.StrategyMultiAgent, true},
		{task.ComplexityComplex, execution.StrategyIterative, true},
		{task.ComplexityMedium, execution.StrategySingleShot, true},
		{task.ComplexitySimple, execution.StrategySingleShot, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.complexity), func(t *testing.T) {
			in := selection.Input{Complexity: tc.complexity, RemainingBudgetUSD: 0.1}
			got := selection.Select(in, selection.Policy{BudgetFloorUSD: 0.5})
			if got.Strategy != tc.want || got.Downgraded != tc.downgraded {
				t.Fatalf("Select = %+v, want %q downgraded=%v", got, tc.want, tc.downgraded)
			}
			if tc.downgraded && !strings.Contains(got.Reason, "below floor") {
				t.Fatalf("downgrade reason missing: %q", got.Reason)
			}
		})
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	in := selection.Input{Type: task.TypeBugFix, Complexity: task.ComplexityComplex, RemainingBudgetUSD: 0.2}
	p := selection.Policy{BudgetFloorUSD: 1}
	first := selection.Select(in, p)
	for i := 0; i < 10; i++ {
		if got := selection.Select(in, p); got != first {
			t.Fatalf("Select not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestZeroFloorNeverDowngrades(t *testing.T) {
	got := selection.Select(selection.Input{Complexity: task.ComplexityEpic}, selection.Policy{})
	if got.Strategy != execution.StrategyHybrid || got.Downgraded {
		t.Fatalf("unexpected selection %+v", got)
	}
}
