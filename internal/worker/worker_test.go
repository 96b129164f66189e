package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/dispatcher"
	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/pirate"
	"github.com/cuongbtq/mediaqueue/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, calls *atomic.Int32) (*Worker, *memory.Store) {
	t.Helper()
	registry := job.NewRegistry()
	registry.MustRegister(job.MethodDummy, job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
		calls.Add(1)
		return nil
	}))

	jobs := memory.New()
	w := NewWorker(&Config{
		Logger:     slog.Default(),
		Jobs:       jobs,
		Dispatcher: dispatcher.New(&dispatcher.Config{Registry: registry, Jobs: jobs}),
	})
	return w, jobs
}

func encodeJob(t *testing.T, j *job.Job) []byte {
	t.Helper()
	data, err := j.Marshal()
	require.NoError(t, err)
	return data
}

func TestProcessRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("runs a persisted job", func(t *testing.T) {
		var calls atomic.Int32
		w, jobs := newTestWorker(t, &calls)

		j := job.New(&job.Step{Method: job.MethodDummy}, &job.Step{Method: job.MethodDummy})
		require.NoError(t, jobs.CreateJob(ctx, j))

		reply := w.processRequest(ctx, w.logger, encodeJob(t, j))
		got, err := job.Unmarshal(reply)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDone, got.Status)
		assert.Equal(t, 2, got.CurrentStepIndex)
		assert.Equal(t, int32(2), calls.Load())

		stored, err := jobs.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDone, stored.Status)
	})

	t.Run("finished job is not executed again", func(t *testing.T) {
		var calls atomic.Int32
		w, jobs := newTestWorker(t, &calls)

		j := job.New(&job.Step{Method: job.MethodDummy})
		require.NoError(t, jobs.CreateJob(ctx, j))
		payload := encodeJob(t, j)

		w.processRequest(ctx, w.logger, payload)
		reply := w.processRequest(ctx, w.logger, payload)

		got, err := job.Unmarshal(reply)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDone, got.Status)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unpersisted job is created", func(t *testing.T) {
		var calls atomic.Int32
		w, jobs := newTestWorker(t, &calls)

		reply := w.processRequest(ctx, w.logger, encodeJob(t, job.New(&job.Step{Method: job.MethodDummy})))
		got, err := job.Unmarshal(reply)
		require.NoError(t, err)
		require.NotEmpty(t, got.ID)
		assert.Equal(t, job.StatusDone, got.Status)

		stats, err := jobs.JobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Done)
	})

	t.Run("malformed payload gets empty reply", func(t *testing.T) {
		var calls atomic.Int32
		w, _ := newTestWorker(t, &calls)

		assert.Nil(t, w.processRequest(ctx, w.logger, []byte("not json")))
		assert.Zero(t, calls.Load())
	})
}

func TestWorker_ServesBrokerRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := pirate.NewBroker(&pirate.BrokerConfig{
		ClientEndpoint:    "tcp://127.0.0.1:0",
		WorkerEndpoint:    "tcp://127.0.0.1:0",
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, broker.Listen())
	go func() { _ = broker.Run(ctx) }()

	var calls atomic.Int32
	w, jobs := newTestWorker(t, &calls)
	w.link = pirate.WorkerConfig{
		Endpoint:          "tcp://" + broker.WorkerAddr().String(),
		HeartbeatInterval: 50 * time.Millisecond,
	}
	w.concurrency = 2
	go func() { _ = w.Start(ctx) }()

	client, err := pirate.NewClient(&pirate.ClientConfig{Endpoint: "tcp://" + broker.ClientAddr().String()})
	require.NoError(t, err)
	defer client.Close()

	j := job.New(&job.Step{Method: job.MethodDummy})
	require.NoError(t, jobs.CreateJob(ctx, j))

	reply, err := client.Request(ctx, encodeJob(t, j), 2*time.Second, 3)
	require.NoError(t, err)

	got, err := job.Unmarshal(reply)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusDone, got.Status)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	w.Stop()
}
