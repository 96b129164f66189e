package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/cuongbtq/mediaqueue/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	methodA job.Method = "a"
	methodB job.Method = "b"
	methodC job.Method = "c"
)

// recordingRepo captures the job status after every save
type recordingRepo struct {
	*memory.Store
	mu        sync.Mutex
	snapshots []snapshot
}

type snapshot struct {
	status job.Status
	index  int
	steps  []job.Status
}

func (r *recordingRepo) SaveJob(ctx context.Context, j *job.Job) error {
	if err := r.Store.SaveJob(ctx, j); err != nil {
		return err
	}
	s := snapshot{status: j.Status, index: j.CurrentStepIndex}
	for _, step := range j.Steps {
		s.steps = append(s.steps, step.Status)
	}
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
	return nil
}

func ok(result string) job.HandlerFunc {
	return func(ctx context.Context, j *job.Job) error {
		step, err := j.CurrentStep()
		if err != nil {
			return err
		}
		return step.SetResult(map[string]string{"value": result})
	}
}

func failing(msg string) job.HandlerFunc {
	return func(ctx context.Context, j *job.Job) error {
		return errors.New(msg)
	}
}

func newTestDispatcher(t *testing.T, handlers map[job.Method]job.Handler) (*Dispatcher, *recordingRepo) {
	t.Helper()
	registry := job.NewRegistry()
	for method, h := range handlers {
		require.NoError(t, registry.Register(method, h))
	}
	repo := &recordingRepo{Store: memory.New()}
	d := New(&Config{
		Registry:   registry,
		Jobs:       repo,
		SavePolicy: retry.Policy{MaxAttempts: 3},
	})
	return d, repo
}

func createJob(t *testing.T, repo *recordingRepo, methods ...job.Method) *job.Job {
	t.Helper()
	var steps []*job.Step
	for _, m := range methods {
		steps = append(steps, &job.Step{Method: m})
	}
	j := job.New(steps...)
	require.NoError(t, repo.CreateJob(context.Background(), j))
	return j
}

func TestDispatch_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		methods    []job.Method
		wantStatus job.Status
		wantIndex  int
		wantSteps  []job.Status
	}{
		{
			name:       "all steps succeed",
			methods:    []job.Method{methodA, methodB},
			wantStatus: job.StatusDone,
			wantIndex:  2,
			wantSteps:  []job.Status{job.StatusDone, job.StatusDone},
		},
		{
			name:       "last step fails",
			methods:    []job.Method{methodA, methodB, methodC},
			wantStatus: job.StatusFailed,
			wantIndex:  2,
			wantSteps:  []job.Status{job.StatusDone, job.StatusDone, job.StatusFailed},
		},
		{
			name:       "first step fails and later steps stay new",
			methods:    []job.Method{methodC, methodA},
			wantStatus: job.StatusFailed,
			wantIndex:  0,
			wantSteps:  []job.Status{job.StatusFailed, job.StatusNew},
		},
		{
			name:       "no steps",
			methods:    nil,
			wantStatus: job.StatusDone,
			wantIndex:  0,
			wantSteps:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
				methodA: ok("a"),
				methodB: ok("b"),
				methodC: failing("boom"),
			})
			j := createJob(t, repo, tt.methods...)

			require.NoError(t, d.Dispatch(context.Background(), j))

			stored, err := repo.GetJob(context.Background(), j.ID)
			require.NoError(t, err)
			for _, got := range []*job.Job{j, stored} {
				assert.Equal(t, tt.wantStatus, got.Status)
				assert.Equal(t, tt.wantIndex, got.CurrentStepIndex)
				var statuses []job.Status
				for _, step := range got.Steps {
					statuses = append(statuses, step.Status)
				}
				assert.Equal(t, tt.wantSteps, statuses)
			}
		})
	}
}

func TestDispatch_FailureMessageCaptured(t *testing.T) {
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
		methodA: ok("a"),
		methodC: failing("disk full"),
	})
	j := createJob(t, repo, methodA, methodC)

	require.NoError(t, d.Dispatch(context.Background(), j))

	assert.Equal(t, "disk full", j.Steps[1].Message)
	assert.Equal(t, "disk full", j.Message)
	assert.NotNil(t, j.StoppedAt)

	result, err := job.ResultOf[map[string]string](j, methodA)
	require.NoError(t, err)
	assert.Equal(t, "a", result["value"])
	assert.Empty(t, j.Steps[1].Result)
}

func TestDispatch_PersistsEveryTransition(t *testing.T) {
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
		methodA: ok("a"),
		methodB: ok("b"),
	})
	j := createJob(t, repo, methodA, methodB)

	require.NoError(t, d.Dispatch(context.Background(), j))

	want := []snapshot{
		{status: job.StatusRunning, index: 0, steps: []job.Status{job.StatusNew, job.StatusNew}},
		{status: job.StatusRunning, index: 0, steps: []job.Status{job.StatusRunning, job.StatusNew}},
		{status: job.StatusRunning, index: 1, steps: []job.Status{job.StatusDone, job.StatusNew}},
		{status: job.StatusRunning, index: 1, steps: []job.Status{job.StatusDone, job.StatusRunning}},
		{status: job.StatusDone, index: 2, steps: []job.Status{job.StatusDone, job.StatusDone}},
	}
	assert.Equal(t, want, repo.snapshots)

	// the step index never moves backwards
	for i := 1; i < len(repo.snapshots); i++ {
		assert.GreaterOrEqual(t, repo.snapshots[i].index, repo.snapshots[i-1].index)
	}
}

func TestDispatch_UnsupportedMethod(t *testing.T) {
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{methodA: ok("a")})
	j := createJob(t, repo, methodA, "unknown", methodA)

	require.NoError(t, d.Dispatch(context.Background(), j))

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 1, j.CurrentStepIndex)
	assert.Equal(t, job.StatusFailed, j.Steps[1].Status)
	assert.Contains(t, j.Steps[1].Message, "Unsupported method")
	assert.Equal(t, job.StatusNew, j.Steps[2].Status)
}

func TestDispatch_HandlerPanic(t *testing.T) {
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
		methodA: job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
			panic("nil map")
		}),
	})
	j := createJob(t, repo, methodA)

	require.NoError(t, d.Dispatch(context.Background(), j))

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Steps[0].Message, "nil map")
}

func TestDispatch_ResolvesJobRevisionConflict(t *testing.T) {
	var repo *recordingRepo
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
		// another writer touches the job record while the step runs
		methodA: job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
			other, err := repo.GetJob(ctx, j.ID)
			if err != nil {
				return err
			}
			return repo.Store.SaveJob(ctx, other)
		}),
	})
	j := createJob(t, repo, methodA)

	require.NoError(t, d.Dispatch(context.Background(), j))

	stored, err := repo.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, stored.Status)
	assert.Equal(t, stored.Revision, j.Revision)
}

func TestDispatch_TerminalJobNotRerun(t *testing.T) {
	calls := 0
	d, repo := newTestDispatcher(t, map[job.Method]job.Handler{
		methodA: job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
			calls++
			return nil
		}),
	})
	j := createJob(t, repo, methodA)

	require.NoError(t, d.Dispatch(context.Background(), j))
	require.NoError(t, d.Dispatch(context.Background(), j))
	assert.Equal(t, 1, calls)
}

func TestDispatch_WithoutPersistence(t *testing.T) {
	registry := job.NewRegistry()
	registry.MustRegister(methodA, ok("a"))
	d := New(&Config{Registry: registry})

	j := job.New(&job.Step{Method: methodA})
	require.NoError(t, d.Dispatch(context.Background(), j))
	assert.Equal(t, job.StatusDone, j.Status)
}

// vanishingRepo behaves like a store whose job row was deleted mid-run:
// saves report a revision conflict and reads report not found
type vanishingRepo struct {
	*memory.Store
	mu    sync.Mutex
	gone  bool
	saves int
}

func (r *vanishingRepo) delete() {
	r.mu.Lock()
	r.gone = true
	r.mu.Unlock()
}

func (r *vanishingRepo) SaveJob(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	gone := r.gone
	if gone {
		r.saves++
	}
	r.mu.Unlock()
	if gone {
		return &store.ConflictError{Kind: store.KindJob, ID: j.ID, Expected: j.Revision}
	}
	return r.Store.SaveJob(ctx, j)
}

func (r *vanishingRepo) GetJob(ctx context.Context, id string) (*job.Job, error) {
	r.mu.Lock()
	gone := r.gone
	r.mu.Unlock()
	if gone {
		return nil, store.NotFound(store.KindJob, id)
	}
	return r.Store.GetJob(ctx, id)
}

func TestDispatch_JobDeletedWhileRunning(t *testing.T) {
	ctx := context.Background()
	repo := &vanishingRepo{Store: memory.New()}

	registry := job.NewRegistry()
	registry.MustRegister(methodA, job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
		repo.delete()
		return nil
	}))
	d := New(&Config{
		Registry:   registry,
		Jobs:       repo,
		SavePolicy: retry.Policy{MaxAttempts: 5},
	})

	j := job.New(&job.Step{Method: methodA})
	require.NoError(t, repo.CreateJob(ctx, j))

	err := d.Dispatch(ctx, j)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, retry.ErrGiveUp)
	assert.Equal(t, 1, repo.saves)
}
