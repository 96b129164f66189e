package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediaqueue/internal/pirate"
)

// spawnWorkerPool spawns one link goroutine per unit of concurrency
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop owns one broker link: it polls for requests, runs each job
// to completion and replies with the final job state
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	linkCfg := w.link
	linkCfg.Logger = logger

	link, err := pirate.ConnectWorker(ctx, &linkCfg)
	if err != nil {
		logger.Error("Failed to open worker link", slog.String("error", err.Error()))
		return
	}
	defer link.Close()

	logger.Info("Worker goroutine started", slog.String("identity", link.Identity()))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker goroutine stopping - context canceled")
			return
		default:
		}

		req, err := link.Poll(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("Worker link error", slog.String("error", err.Error()))
			continue
		}
		if req == nil {
			continue
		}

		logger.Info("Worker received job",
			slog.Uint64("sequence", req.Sequence),
			slog.Int("payload_bytes", len(req.Payload)),
		)

		reply := w.processRequest(ctx, logger, req.Payload)
		if err := link.Reply(req, reply); err != nil {
			logger.Error("Failed to send reply",
				slog.Uint64("sequence", req.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
}
