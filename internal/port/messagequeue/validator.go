package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var taskID string
	switch {
	case subject == SubjectTaskCreated:
		var p TaskCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	case subject == SubjectTaskCancel:
		var p TaskCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	case strings.HasPrefix(subject, SubjectEventsPrefix+"."):
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		taskID = p.TaskID
	default:
		return nil
	}

	if taskID == "" {
		return fmt.Errorf("schema validation failed for %s: task_id is required", subject)
	}
	return nil
}
