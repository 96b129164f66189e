package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

type CreateJobRequest struct {
	Steps []StepRequest `json:"steps" binding:"required,min=1,dive"`
}

type StepRequest struct {
	Method  string          `json:"method" binding:"required"`
	Options json.RawMessage `json:"options"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO       `json:"jobs"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Stats      store.JobStats `json:"stats"`
}

type StepDTO struct {
	Method  string          `json:"method"`
	Options json.RawMessage `json:"options,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
}

type JobDTO struct {
	JobID            string    `json:"job_id"`
	Revision         int64     `json:"revision"`
	Status           string    `json:"status"`
	Message          string    `json:"message,omitempty"`
	CurrentStepIndex int       `json:"current_step_index"`
	Steps            []StepDTO `json:"steps"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
	StartedAt        string    `json:"started_at,omitempty"`
	StoppedAt        string    `json:"stopped_at,omitempty"`
}

// NewJobDTO renders a job for the API
func NewJobDTO(j *job.Job) JobDTO {
	steps := make([]StepDTO, len(j.Steps))
	for i, step := range j.Steps {
		steps[i] = StepDTO{
			Method:  string(step.Method),
			Options: step.Options,
			Result:  step.Result,
			Status:  string(step.Status),
			Message: step.Message,
		}
	}

	out := JobDTO{
		JobID:            j.ID,
		Revision:         j.Revision,
		Status:           string(j.Status),
		Message:          j.Message,
		CurrentStepIndex: j.CurrentStepIndex,
		Steps:            steps,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        j.UpdatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		out.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.StoppedAt != nil {
		out.StoppedAt = j.StoppedAt.Format(time.RFC3339)
	}
	return out
}
