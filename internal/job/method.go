package job

import (
	"encoding/json"
	"fmt"
)

// Method selects the handler that runs a step
type Method string

// Known step methods
const (
	MethodDummy         Method = "dummy"
	MethodToCut         Method = "to_cut"
	MethodCalculateHash Method = "calculate_hash"
	MethodReadMetadata  Method = "read_metadata"
	MethodToMain        Method = "to_main"
	MethodDelete        Method = "delete"
	MethodCleanCut      Method = "clean_cut"
	MethodTagUpdate     Method = "tag_update"
)

var knownMethods = map[Method]struct{}{
	MethodDummy:         {},
	MethodToCut:         {},
	MethodCalculateHash: {},
	MethodReadMetadata:  {},
	MethodToMain:        {},
	MethodDelete:        {},
	MethodCleanCut:      {},
	MethodTagUpdate:     {},
}

// Known reports whether m is one of the step kinds this system understands
func (m Method) Known() bool {
	_, ok := knownMethods[m]
	return ok
}

func (m Method) String() string {
	return string(m)
}

// DecodeOptions unmarshals the step options into T.
// Empty options decode to the zero value.
func DecodeOptions[T any](step *Step) (T, error) {
	var opts T
	if len(step.Options) == 0 || string(step.Options) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(step.Options, &opts); err != nil {
		return opts, fmt.Errorf("invalid options for %s: %w", step.Method, err)
	}
	return opts, nil
}

// DecodeResult unmarshals the step result into T
func DecodeResult[T any](step *Step) (T, error) {
	var result T
	if len(step.Result) == 0 || string(step.Result) == "null" {
		return result, fmt.Errorf("%w: %s", ErrNoResult, step.Method)
	}
	if err := json.Unmarshal(step.Result, &result); err != nil {
		return result, fmt.Errorf("invalid result for %s: %w", step.Method, err)
	}
	return result, nil
}

// SetResult marshals v as the step result
func (s *Step) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal result for %s: %w", s.Method, err)
	}
	s.Result = raw
	return nil
}

// ResultOf decodes the result of the earlier step that ran method
func ResultOf[T any](j *Job, method Method) (T, error) {
	var zero T
	step, ok := j.FindStep(method)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrStepNotFound, method)
	}
	return DecodeResult[T](step)
}
