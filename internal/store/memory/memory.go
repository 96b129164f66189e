// Package memory implements store.Store in process memory. Records are
// deep-copied on the way in and out so callers never share state, which
// keeps revision checks meaningful across goroutines.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/google/uuid"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	entries map[string]*store.Entry
	files   map[string]*store.File
	now     func() time.Time
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		entries: make(map[string]*store.Entry),
		files:   make(map[string]*store.File),
		now:     time.Now,
	}
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	return &out
}

// CreateJob stores a new job
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return &store.ConflictError{Kind: store.KindJob, ID: j.ID, Expected: 0, Current: s.jobs[j.ID].Revision}
	}
	j.Revision = 1
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = clone(j)
	return nil
}

// GetJob returns a copy of the job
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.NotFound(store.KindJob, id)
	}
	return clone(j), nil
}

// SaveJob writes the job if its revision is current
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[j.ID]
	if !ok {
		return store.NotFound(store.KindJob, j.ID)
	}
	if current.Revision != j.Revision {
		return &store.ConflictError{Kind: store.KindJob, ID: j.ID, Expected: j.Revision, Current: current.Revision}
	}
	j.Revision++
	j.UpdatedAt = s.now().UTC()
	s.jobs[j.ID] = clone(j)
	return nil
}

// ListJobs returns jobs newest first, one past the page size
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) {
				continue
			}
			if j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID {
				continue
			}
		}
		all = append(all, j)
	}

	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		return all[a].ID > all[b].ID
	})

	limit := filter.PageSize + 1
	if filter.PageSize <= 0 || limit > len(all) {
		limit = len(all)
	}

	out := make([]*job.Job, 0, limit)
	for _, j := range all[:limit] {
		out = append(out, clone(j))
	}
	return out, nil
}

// JobStats counts jobs per status
func (s *Store) JobStats(ctx context.Context) (store.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats store.JobStats
	for _, j := range s.jobs {
		stats.Add(j.Status, 1)
	}
	return stats, nil
}

// DeleteJobs removes every job
func (s *Store) DeleteJobs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*job.Job)
	return nil
}

// CreateEntry stores a new entry
func (s *Store) CreateEntry(ctx context.Context, e *store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if current, exists := s.entries[e.ID]; exists {
		return &store.ConflictError{Kind: store.KindEntry, ID: e.ID, Expected: 0, Current: current.Revision}
	}
	e.Revision = 1
	s.entries[e.ID] = clone(e)
	return nil
}

// GetEntry returns a copy of the entry
func (s *Store) GetEntry(ctx context.Context, id string) (*store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, store.NotFound(store.KindEntry, id)
	}
	return clone(e), nil
}

// SaveEntry writes the entry if its revision is current
func (s *Store) SaveEntry(ctx context.Context, e *store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[e.ID]
	if !ok {
		return store.NotFound(store.KindEntry, e.ID)
	}
	if current.Revision != e.Revision {
		return &store.ConflictError{Kind: store.KindEntry, ID: e.ID, Expected: e.Revision, Current: current.Revision}
	}
	e.Revision++
	s.entries[e.ID] = clone(e)
	return nil
}

// CreateFile stores a new file record
func (s *Store) CreateFile(ctx context.Context, f *store.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.files[f.Reference]; exists {
		return &store.ConflictError{Kind: store.KindFile, ID: f.Reference, Expected: 0, Current: current.Revision}
	}
	f.Revision = 1
	s.files[f.Reference] = clone(f)
	return nil
}

// GetFile returns the file with the given reference
func (s *Store) GetFile(ctx context.Context, reference string) (*store.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[reference]
	if !ok {
		return nil, store.NotFound(store.KindFile, reference)
	}
	return clone(f), nil
}

// GetFileByURL returns the file stored at url
func (s *Store) GetFileByURL(ctx context.Context, url string) (*store.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.files {
		if f.URL == url {
			return clone(f), nil
		}
	}
	return nil, store.NotFound(store.KindFile, url)
}
