package submitter

import "errors"

var (
	// ErrInvalidMessage is returned for messages that can never be submitted
	ErrInvalidMessage = errors.New("invalid submission message")

	// ErrUnknownOutcome is returned when the broker never answered; the job may have run
	ErrUnknownOutcome = errors.New("job outcome unknown")

	// ErrDeliveriesClosed is returned when the broker connection drops the delivery channel
	ErrDeliveriesClosed = errors.New("delivery channel closed")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
