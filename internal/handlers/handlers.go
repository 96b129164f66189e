// Package handlers holds the step handlers of the media import pipeline.
// Each handler reads its step's options and the results of earlier steps
// and writes its own result; shared entities are changed only through the
// conflict-safe retry wrapper.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// ErrInvalidOptions is returned when a step lacks a required option
var ErrInvalidOptions = errors.New("invalid step options")

// Analyser extracts metadata from a file of one mime type
type Analyser interface {
	Analyse(ctx context.Context, path string) (map[string]any, error)
}

// AnalyserFunc adapts a function to the Analyser interface
type AnalyserFunc func(ctx context.Context, path string) (map[string]any, error)

// Analyse calls f(ctx, path)
func (f AnalyserFunc) Analyse(ctx context.Context, path string) (map[string]any, error) {
	return f(ctx, path)
}

// Deps holds what the handlers need from the running process
type Deps struct {
	Logger  *slog.Logger
	Entries store.EntryStore
	Files   store.FileStore
	// Hostname is the server part of local:// file URLs
	Hostname string
	CutRoot  string
	MainRoot string
	// Analysers are keyed by mime type
	Analysers map[string]Analyser
	Retry     retry.Policy
}

// Register binds every pipeline handler to its method
func Register(registry *job.Registry, deps *Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry.Logger == nil {
		deps.Retry.Logger = deps.Logger
	}

	handlers := map[job.Method]job.Handler{
		job.MethodDummy:         job.HandlerFunc(dummy),
		job.MethodToCut:         &toCut{deps: deps},
		job.MethodCalculateHash: job.HandlerFunc(calculateHash),
		job.MethodReadMetadata:  &readMetadata{deps: deps},
		job.MethodToMain:        &toMain{deps: deps},
		job.MethodDelete:        &deleteVariant{deps: deps},
		job.MethodCleanCut:      job.HandlerFunc(cleanCut),
		job.MethodTagUpdate:     &tagUpdate{deps: deps},
	}
	for method, h := range handlers {
		if err := registry.Register(method, h); err != nil {
			return err
		}
	}
	return nil
}

// DummyOptions configures the dummy step
type DummyOptions struct {
	Time float64 `json:"time"`
}

// dummy sleeps for options.time seconds
func dummy(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[DummyOptions](step)
	if err != nil {
		return err
	}
	if opts.Time < 0 {
		return fmt.Errorf("%w: negative time %v", ErrInvalidOptions, opts.Time)
	}

	d := time.Duration(opts.Time * float64(time.Second))
	if d <= 0 {
		return nil
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

// sourcePath picks the path option, falling back to the cut copy
func sourcePath(j *job.Job, path string) (string, error) {
	if path != "" {
		return path, nil
	}
	cut, err := job.ResultOf[ToCutResult](j, job.MethodToCut)
	if err != nil {
		return "", fmt.Errorf("%w: no path and no cut copy: %v", ErrInvalidOptions, err)
	}
	if cut.Path == "" {
		return "", fmt.Errorf("%w: cut copy has no path", ErrInvalidOptions)
	}
	return cut.Path, nil
}
