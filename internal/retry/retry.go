// Package retry re-runs read-modify-write operations that lose an
// optimistic-concurrency race against the shared store.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/store"
)

const (
	// DefaultMaxAttempts is the number of invocations before giving up
	DefaultMaxAttempts = 10
	// DefaultBackoff is the pause after each conflict
	DefaultBackoff = 30 * time.Second
)

// ErrGiveUp is the terminal signal raised when every attempt conflicted
var ErrGiveUp = errors.New("gave up after repeated write conflicts")

// GiveUpError reports how many attempts were made before giving up.
// It matches ErrGiveUp and deliberately does not match store.ErrConflict.
type GiveUpError struct {
	Attempts int
	Elapsed  time.Duration
	Last     string
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s: %d attempts in %s (last: %s)", ErrGiveUp, e.Attempts, e.Elapsed, e.Last)
}

// Is makes errors.Is(err, ErrGiveUp) match
func (e *GiveUpError) Is(target error) bool {
	return target == ErrGiveUp
}

// Policy bounds a retried operation
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// MaxElapsed stops retrying once exceeded; zero means unbounded
	MaxElapsed time.Duration
	Logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// DefaultPolicy returns the policy used around entity writes
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with a non-conflict error, or the
// policy is exhausted. Conflicts are retried after Backoff; any other
// error is returned unchanged on first sight.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	start := p.now()

	var zero T
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !store.IsConflict(err) {
			return zero, err
		}
		last = err

		elapsed := p.now().Sub(start)
		if attempt == p.MaxAttempts || (p.MaxElapsed > 0 && elapsed+p.Backoff > p.MaxElapsed) {
			p.Logger.Error("Giving up after write conflicts",
				slog.Int("attempts", attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return zero, &GiveUpError{Attempts: attempt, Elapsed: elapsed, Last: err.Error()}
		}

		p.Logger.Warn("Write conflict, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.Duration("retry_after", p.Backoff),
			slog.String("error", err.Error()),
		)

		if err := p.sleep(ctx, p.Backoff); err != nil {
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, err)
		}
	}

	return zero, &GiveUpError{Attempts: p.MaxAttempts, Elapsed: p.now().Sub(start), Last: fmt.Sprint(last)}
}
