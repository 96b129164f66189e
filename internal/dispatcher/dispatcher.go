// Package dispatcher executes a job's steps in order through a handler
// registry, persisting the job after every step transition.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// JobRepository is the part of the job store the dispatcher writes through
type JobRepository interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	SaveJob(ctx context.Context, j *job.Job) error
}

// Config holds dispatcher configuration
type Config struct {
	Logger   *slog.Logger
	Registry *job.Registry
	// Jobs persists progress; nil runs without persistence
	Jobs JobRepository
	// StepTimeout bounds a single step; zero means unbounded
	StepTimeout time.Duration
	// SavePolicy retries job writes that lose a revision race
	SavePolicy retry.Policy
}

// Dispatcher runs jobs one step at a time
type Dispatcher struct {
	logger      *slog.Logger
	registry    *job.Registry
	jobs        JobRepository
	stepTimeout time.Duration
	savePolicy  retry.Policy
	now         func() time.Time
}

// New creates a dispatcher
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		logger:      cfg.Logger,
		registry:    cfg.Registry,
		jobs:        cfg.Jobs,
		stepTimeout: cfg.StepTimeout,
		savePolicy:  cfg.SavePolicy,
		now:         time.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.registry == nil {
		d.registry = job.NewRegistry()
	}
	if d.savePolicy.MaxAttempts == 0 {
		d.savePolicy = retry.Policy{MaxAttempts: 3, Backoff: 100 * time.Millisecond}
	}
	if d.savePolicy.Logger == nil {
		d.savePolicy.Logger = d.logger
	}
	return d
}

// Dispatch runs j until it is done or failed. Step failures become step
// and job status; the returned error only reports that progress could
// not be persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.Job) error {
	if j.Status.Terminal() {
		return nil
	}

	if j.Status == job.StatusNew {
		j.Start(d.now())
		if err := d.persist(ctx, j); err != nil {
			return err
		}
	}

	d.logger.Info("Dispatching job",
		slog.String("job_id", j.ID),
		slog.Int("steps", len(j.Steps)),
		slog.Int("current_step", j.CurrentStepIndex),
	)

	for j.Status == job.StatusRunning {
		step, err := j.CurrentStep()
		if err != nil {
			j.Fail(d.now(), err.Error())
			return d.persist(ctx, j)
		}

		handler, err := d.registry.Lookup(step.Method)
		if err != nil {
			d.logger.Error("Unsupported step method",
				slog.String("job_id", j.ID),
				slog.Int("step", j.CurrentStepIndex),
				slog.String("method", step.Method.String()),
			)
			j.Fail(d.now(), fmt.Sprintf("Unsupported method: %s", step.Method))
			return d.persist(ctx, j)
		}

		step.Status = job.StatusRunning
		step.Message = ""
		j.UpdatedAt = d.now()
		if err := d.persist(ctx, j); err != nil {
			return err
		}

		started := time.Now()
		if err := d.run(ctx, handler, j); err != nil {
			step.Status = job.StatusFailed
			step.Message = err.Error()
			d.logger.Error("Step failed",
				slog.String("job_id", j.ID),
				slog.Int("step", j.CurrentStepIndex),
				slog.String("method", step.Method.String()),
				slog.Duration("duration", time.Since(started)),
				slog.String("error", err.Error()),
			)
		} else {
			step.Status = job.StatusDone
			d.logger.Info("Step completed",
				slog.String("job_id", j.ID),
				slog.Int("step", j.CurrentStepIndex),
				slog.String("method", step.Method.String()),
				slog.Duration("duration", time.Since(started)),
			)
		}

		j.Advance(d.now())
		if err := d.persist(ctx, j); err != nil {
			return err
		}
	}

	d.logger.Info("Job finished",
		slog.String("job_id", j.ID),
		slog.String("status", string(j.Status)),
		slog.Int("current_step", j.CurrentStepIndex),
	)
	return nil
}

// run invokes the handler, converting panics into step errors
func (d *Dispatcher) run(ctx context.Context, h job.Handler, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Step handler panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	if d.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.stepTimeout)
		defer cancel()
	}
	return h.Run(ctx, j)
}

// persist saves j. The dispatcher owns the job while it runs, so a
// revision conflict is resolved by adopting the stored revision.
func (d *Dispatcher) persist(ctx context.Context, j *job.Job) error {
	if d.jobs == nil || j.ID == "" {
		return nil
	}

	err := retry.Do(ctx, d.savePolicy, func(ctx context.Context) error {
		err := d.jobs.SaveJob(ctx, j)
		if store.IsConflict(err) {
			current, getErr := d.jobs.GetJob(ctx, j.ID)
			if errors.Is(getErr, store.ErrNotFound) {
				// deleted while running
				return getErr
			}
			if getErr != nil {
				return errors.Join(err, getErr)
			}
			j.Revision = current.Revision
		}
		return err
	})
	if err != nil {
		d.logger.Error("Failed to persist job",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to persist job %s: %w", j.ID, err)
	}
	return nil
}
