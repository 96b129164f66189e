package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"github.com/cuongbtq/mediaqueue/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
)

// workerLoop submits messages one at a time over its own broker link
func (s *Submitter) workerLoop(ctx context.Context, num int, requester Requester, jobsChan <-chan amqp.Delivery) {
	logger := s.logger.With(slog.Int("submitter_num", num))

	for delivery := range jobsChan {
		err := s.submit(ctx, logger, requester, delivery.Body)
		if err != nil {
			requeue := shouldRequeue(err)
			logger.Error("Submission failed",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			if nackErr := delivery.Nack(false, requeue); nackErr != nil {
				logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
			}
			continue
		}

		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
		}
	}
}

// submit sends the job named by body to the broker and waits for its reply
func (s *Submitter) submit(ctx context.Context, logger *slog.Logger, requester Requester, body []byte) error {
	// Step 1: Parse the message
	msg, err := job.ParseSubmission(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	// Step 2: Load the job to submit
	j, err := s.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}
	if j.Status.Terminal() {
		logger.Info("Job already finished, nothing to submit",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
		)
		return nil
	}

	payload, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	// Step 3: Respect the submission rate
	if err := s.limiter.Wait(ctx); err != nil {
		return NewRetryableError(err)
	}

	// Step 4: Send and wait for the worker's reply
	logger.Info("Submitting job", slog.String("job_id", j.ID))
	reply, err := requester.Request(ctx, payload, s.requestTimeout, s.requestRetries)
	if err != nil {
		if ctx.Err() != nil {
			return NewRetryableError(ctx.Err())
		}
		var reqErr *pirate.RequestError
		if errors.As(err, &reqErr) && reqErr.Attempts == 0 {
			// never reached the broker, so the job cannot have run
			return NewRetryableError(err)
		}
		return fmt.Errorf("%w: job %s: %v", ErrUnknownOutcome, j.ID, err)
	}

	result, err := job.Unmarshal(reply)
	if err != nil {
		logger.Warn("Unreadable reply from worker",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("Job completed",
		slog.String("job_id", result.ID),
		slog.String("status", string(result.Status)),
		slog.Int("current_step", result.CurrentStepIndex),
	)
	return nil
}

// shouldRequeue decides whether a failed message is retried or dead-lettered
func shouldRequeue(err error) bool {
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrUnknownOutcome) {
		return false
	}

	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
