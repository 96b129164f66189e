package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// ErrJobAlreadyClaimed is returned when the job left status new before this worker claimed it
var ErrJobAlreadyClaimed = errors.New("job already claimed or finished")

// processRequest runs the job carried by a request payload and returns
// the reply payload: the serialized final job, or nothing when the
// payload is not a job
func (w *Worker) processRequest(ctx context.Context, logger *slog.Logger, payload []byte) []byte {
	// Step 1: Decode the submitted job
	submitted, err := job.Unmarshal(payload)
	if err != nil {
		logger.Error("Failed to parse job payload", slog.String("error", err.Error()))
		return nil
	}

	// Step 2: Claim the persisted job (new → running)
	j, err := w.claimJob(ctx, submitted)
	if err != nil {
		if errors.Is(err, ErrJobAlreadyClaimed) {
			// duplicate delivery after a client retry
			logger.Warn("Job already claimed, skipping",
				slog.String("job_id", j.ID),
				slog.String("status", string(j.Status)),
			)
			return w.encode(logger, j)
		}

		logger.Error("Failed to claim job",
			slog.String("job_id", submitted.ID),
			slog.String("error", err.Error()),
		)
		submitted.Fail(w.now(), err.Error())
		return w.encode(logger, submitted)
	}

	// Step 3: In-flight jobs survive shutdown and are bounded by the job timeout
	jobCtx := context.WithoutCancel(ctx)
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.jobTimeout)
		defer cancel()
	}

	logger.Info("Processing job",
		slog.String("job_id", j.ID),
		slog.Int("steps", len(j.Steps)),
	)

	// Step 4: Execute the steps
	if err := w.dispatcher.Dispatch(jobCtx, j); err != nil {
		logger.Error("Job progress could not be persisted",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	logger.Info("Job processed",
		slog.String("job_id", j.ID),
		slog.String("status", string(j.Status)),
	)
	return w.encode(logger, j)
}

// claimJob loads the stored job, creating it when it was submitted
// without being persisted, and moves it to running with a
// revision-checked write. Losing that write means another worker owns it.
func (w *Worker) claimJob(ctx context.Context, submitted *job.Job) (*job.Job, error) {
	if w.jobs == nil {
		if submitted.Status != job.StatusNew {
			return submitted, ErrJobAlreadyClaimed
		}
		submitted.Start(w.now())
		return submitted, nil
	}

	j, err := w.loadJob(ctx, submitted)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusNew {
		return j, ErrJobAlreadyClaimed
	}

	j.Start(w.now())
	if err := w.jobs.SaveJob(ctx, j); err != nil {
		if !store.IsConflict(err) {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		current, getErr := w.jobs.GetJob(ctx, j.ID)
		if getErr != nil {
			return j, ErrJobAlreadyClaimed
		}
		return current, ErrJobAlreadyClaimed
	}

	w.logger.Info("Job claimed successfully",
		slog.String("job_id", j.ID),
		slog.String("worker_id", w.workerID),
	)
	return j, nil
}

func (w *Worker) loadJob(ctx context.Context, submitted *job.Job) (*job.Job, error) {
	if submitted.ID != "" {
		stored, err := w.jobs.GetJob(ctx, submitted.ID)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load job: %w", err)
		}
	}

	j := job.New(submitted.Steps...)
	j.ID = submitted.ID
	if err := w.jobs.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

func (w *Worker) encode(logger *slog.Logger, j *job.Job) []byte {
	data, err := j.Marshal()
	if err != nil {
		logger.Error("Failed to serialize job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		return nil
	}
	return data
}
