package job

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Submission is the queue message announcing a persisted job ready to run
type Submission struct {
	JobID string `json:"job_id"`
}

// ParseSubmission decodes and validates a submission message
func ParseSubmission(body []byte) (Submission, error) {
	var s Submission
	if err := json.Unmarshal(body, &s); err != nil {
		return Submission{}, fmt.Errorf("failed to parse submission: %w", err)
	}
	if _, err := uuid.Parse(s.JobID); err != nil {
		return Submission{}, fmt.Errorf("invalid job_id %q: %w", s.JobID, err)
	}
	return s, nil
}
