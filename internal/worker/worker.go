package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/dispatcher"
	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// Config holds worker configuration
type Config struct {
	Logger     *slog.Logger
	Link       pirate.WorkerConfig
	Dispatcher *dispatcher.Dispatcher
	Jobs       store.JobStore
	// Concurrency is the number of broker links, each running one job at a time
	Concurrency int
	JobTimeout  time.Duration
}

// Worker runs jobs received from the broker
type Worker struct {
	logger      *slog.Logger
	link        pirate.WorkerConfig
	dispatcher  *dispatcher.Dispatcher
	jobs        store.JobStore
	workerID    string
	concurrency int
	jobTimeout  time.Duration
	now         func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	w := &Worker{
		logger:      cfg.Logger,
		link:        cfg.Link,
		dispatcher:  cfg.Dispatcher,
		jobs:        cfg.Jobs,
		workerID:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.dispatcher == nil {
		w.dispatcher = dispatcher.New(&dispatcher.Config{Logger: w.logger, Jobs: w.jobs})
	}
	return w
}

// Start connects the worker links and processes jobs until ctx is
// canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("endpoint", w.link.Endpoint),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.spawnWorkerPool(ctx)
	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop stops polling and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
