package strategy

import (
	"fmt"
	"strings"

	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/provider"
)

const (
	coderSystem = `You are a senior software engineer. Implement the requested change.
Respond with a unified diff only (---/+++ file headers and @@ hunks), no prose.`

	plannerSystem = `You are a technical lead. Break the task into small, independent implementation steps.
Respond with JSON only: {"steps":[{"description":"..."}]}`

	reviewerSystem = `You are a strict code reviewer. Decide whether the diff correctly implements the step.
Respond with JSON only: {"approved":true|false,"feedback":"..."}`

	testerSystem = `You are a QA engineer. Check the combined diff against the task for defects and missing cases.
Respond with JSON only: {"passed":true|false,"failures":["..."]}`
)

func taskBrief(t *task.Task) string {
	return fmt.Sprintf("Task: %s\n\n%s", t.Title, t.Description)
}

// coderRequest asks for a diff implementing t. feedback lists problems
// with earlier attempts, oldest first.
func coderRequest(t *task.Task, in Input, feedback []string) provider.Request {
	var b strings.Builder
	b.WriteString(taskBrief(t))
	if len(feedback) > 0 {
		b.WriteString("\n\nYour previous attempts were rejected:\n")
		for i, f := range feedback {
			fmt.Fprintf(&b, "%d. %s\n", i+1, f)
		}
		b.WriteString("Fix these problems in your next diff.")
	}
	return provider.Request{System: coderSystem, Prompt: b.String(), Context: in.Context}
}

func plannerRequest(t *task.Task, in Input, maxSteps int) provider.Request {
	prompt := taskBrief(t) + fmt.Sprintf("\n\nUse at most %d steps.", maxSteps)
	return provider.Request{System: plannerSystem, Prompt: prompt, Context: in.Context}
}

func stepRequest(t *task.Task, in Input, steps []string, i int) provider.Request {
	var b strings.Builder
	b.WriteString(taskBrief(t))
	b.WriteString("\n\nPlan:\n")
	for j, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", j+1, s)
	}
	fmt.Fprintf(&b, "\nImplement step %d only: %s", i+1, steps[i])
	return provider.Request{System: coderSystem, Prompt: b.String(), Context: in.Context}
}

func reviewRequest(t *task.Task, step, diff string) provider.Request {
	prompt := fmt.Sprintf("%s\n\nStep: %s\n\nDiff:\n%s", taskBrief(t), step, diff)
	return provider.Request{System: reviewerSystem, Prompt: prompt}
}

func testRequest(t *task.Task, diff string) provider.Request {
	prompt := fmt.Sprintf("%s\n\nCombined diff:\n%s", taskBrief(t), diff)
	return provider.Request{System: testerSystem, Prompt: prompt}
}
