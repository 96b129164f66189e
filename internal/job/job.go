package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state shared by jobs and steps
type Status string

// Job and step status constants
const (
	StatusNew     Status = "new"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further step may execute in this state
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	// ErrNoCurrentStep is returned when the job has no executable step
	ErrNoCurrentStep = errors.New("job has no current step")

	// ErrStepNotFound is returned when no step runs the requested method
	ErrStepNotFound = errors.New("step not found")

	// ErrNoResult is returned when a step has not produced a result
	ErrNoResult = errors.New("step has no result")
)

// Step is one unit of work in a job's ordered pipeline
type Step struct {
	Name    string          `json:"name,omitempty"`
	Method  Method          `json:"method"`
	Options json.RawMessage `json:"options,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
}

// Job is an ordered list of steps executed one at a time
type Job struct {
	ID               string     `json:"id"`
	Revision         int64      `json:"revision"`
	Steps            []*Step    `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           Status     `json:"status"`
	Message          string     `json:"message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
}

// New builds a job from the given steps, all in status new
func New(steps ...*Step) *Job {
	for _, step := range steps {
		step.Status = StatusNew
		step.Result = nil
		step.Message = ""
	}
	return &Job{
		Steps:  steps,
		Status: StatusNew,
	}
}

// NewStep builds a step for method with options marshaled to JSON
func NewStep(method Method, options any) (*Step, error) {
	step := &Step{
		Method: method,
		Status: StatusNew,
	}
	if options != nil {
		raw, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal options for %s: %w", method, err)
		}
		step.Options = raw
	}
	return step, nil
}

// Start moves a new job into running, or straight to done when it has no steps
func (j *Job) Start(now time.Time) {
	if j.Status != StatusNew {
		return
	}
	j.StartedAt = &now
	j.UpdatedAt = now
	j.CurrentStepIndex = 0
	if len(j.Steps) == 0 {
		j.Status = StatusDone
		j.StoppedAt = &now
		return
	}
	j.Status = StatusRunning
}

// CurrentStep returns the step at the current index of a running job
func (j *Job) CurrentStep() (*Step, error) {
	if j.Status != StatusRunning && j.Status != StatusNew {
		return nil, fmt.Errorf("%w: job is %s", ErrNoCurrentStep, j.Status)
	}
	if j.CurrentStepIndex < 0 || j.CurrentStepIndex >= len(j.Steps) {
		return nil, fmt.Errorf("%w: index %d out of %d steps", ErrNoCurrentStep, j.CurrentStepIndex, len(j.Steps))
	}
	return j.Steps[j.CurrentStepIndex], nil
}

// FindStep returns the first step that runs method
func (j *Job) FindStep(method Method) (*Step, bool) {
	for _, step := range j.Steps {
		if step.Method == method {
			return step, true
		}
	}
	return nil, false
}

// Advance applies the outcome of the current step to the job.
// A done step moves the index forward and the job to running or done.
// Any other outcome fails both the step and the job.
func (j *Job) Advance(now time.Time) {
	step, err := j.CurrentStep()
	if err != nil {
		return
	}
	j.UpdatedAt = now

	if step.Status != StatusDone {
		step.Status = StatusFailed
		j.Status = StatusFailed
		if j.Message == "" {
			j.Message = step.Message
		}
		j.StoppedAt = &now
		return
	}

	j.CurrentStepIndex++
	if j.CurrentStepIndex < len(j.Steps) {
		j.Status = StatusRunning
		return
	}
	j.Status = StatusDone
	j.StoppedAt = &now
}

// Fail marks the current step and the job as failed with message
func (j *Job) Fail(now time.Time, message string) {
	if step, err := j.CurrentStep(); err == nil {
		step.Status = StatusFailed
		step.Message = message
	}
	j.Status = StatusFailed
	j.Message = message
	j.UpdatedAt = now
	j.StoppedAt = &now
}

// Marshal serializes the job for the wire and the store
func (j *Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// Unmarshal parses a serialized job
func Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &j, nil
}
