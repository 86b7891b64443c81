package execution

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/taskforge/internal/domain"
)

// Candidate is one provider response considered by a voting strategy.
type Candidate struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model,omitempty"`
	Score    float64 `json:"score"`
	Valid    bool    `json:"valid"`
	Error    string  `json:"error,omitempty"`
}

// StepOutcome records how one planned step fared in a multi-agent run.
type StepOutcome struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Approved    bool   `json:"approved"`
	Feedback    string `json:"feedback,omitempty"`
}

// Result is the outcome of one Execution. TokensUsed and CostUSD are fixed
// at construction; zero is a valid recorded value.
type Result struct {
	ID           string        `json:"id"`
	ExecutionID  string        `json:"execution_id"`
	Success      bool          `json:"success"`
	TokensUsed   int           `json:"tokens_used"`
	CostUSD      float64       `json:"cost_usd"`
	Duration     time.Duration `json:"duration"`
	ErrorDetails string        `json:"error_details,omitempty"`

	ChangeSummary string `json:"change_summary,omitempty"`
	FilesChanged  int    `json:"files_changed"`
	LinesAdded    int    `json:"lines_added"`
	LinesRemoved  int    `json:"lines_removed"`

	// Content is the accepted change text, if any.
	Content string `json:"content,omitempty"`

	SelectedProvider string        `json:"selected_provider,omitempty"`
	Candidates       []Candidate   `json:"candidates,omitempty"`
	Steps            []StepOutcome `json:"steps,omitempty"`
}

func newResult(executionID string, success bool, tokensUsed int, costUSD float64, duration time.Duration) *Result {
	return &Result{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Success:     success,
		TokensUsed:  tokensUsed,
		CostUSD:     costUSD,
		Duration:    duration,
	}
}

// SetChanges records the change summary. All counts are supplied together
// and must be non-negative.
func (r *Result) SetChanges(summary string, filesChanged, linesAdded, linesRemoved int) error {
	if strings.TrimSpace(summary) == "" {
		return domain.NewValidationError("change_summary", "must not be empty")
	}
	switch {
	case filesChanged < 0:
		return domain.NewValidationError("files_changed", "must be non-negative")
	case linesAdded < 0:
		return domain.NewValidationError("lines_added", "must be non-negative")
	case linesRemoved < 0:
		return domain.NewValidationError("lines_removed", "must be non-negative")
	}
	r.ChangeSummary = summary
	r.FilesChanged = filesChanged
	r.LinesAdded = linesAdded
	r.LinesRemoved = linesRemoved
	return nil
}

// SetError records error details and always forces Success to false.
func (r *Result) SetError(details string) error {
	if strings.TrimSpace(details) == "" {
		return domain.NewValidationError("error_details", "must not be empty")
	}
	r.ErrorDetails = details
	r.Success = false
	return nil
}

// HasChanges reports whether a change summary was recorded.
func (r *Result) HasChanges() bool {
	return r.ChangeSummary != ""
}
