// Package classifier defines the task classifier port.
package classifier

import (
	"context"

	"github.com/Strob0t/taskforge/internal/domain/task"
)

// Classification is the classifier's verdict on a task description.
// Confidence is informational; routing never depends on it.
type Classification struct {
	Type              task.Type       `json:"task_type"`
	Complexity        task.Complexity `json:"complexity"`
	Confidence        float64         `json:"confidence"`
	Reasoning         string          `json:"reasoning,omitempty"`
	SuggestedStrategy string          `json:"suggested_strategy,omitempty"`
	EstimatedTokens   int             `json:"estimated_tokens,omitempty"`
	ClassifierUsed    string          `json:"classifier_used,omitempty"`
}

// Classifier maps a task description to a type and complexity tier.
type Classifier interface {
	Classify(ctx context.Context, description string) (Classification, error)
}
