// Package redis implements store.Store on Redis. Every record is a hash
// holding a JSON document and a revision; writes run under WATCH so a
// concurrent writer aborts the transaction instead of being overwritten.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, logger)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "mediaqueue:"

// jobKey returns the hash key of a job: mediaqueue:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIndexKey is the sorted set of job ids scored by creation time in microseconds
const jobIndexKey = keyPrefix + "jobs"

// jobStatsKey is the hash of job counts per status
const jobStatsKey = keyPrefix + "job_stats"

// entryKey returns the hash key of an entry: mediaqueue:entry:{id}
func entryKey(id string) string { return keyPrefix + "entry:" + id }

// fileKey returns the hash key of a file: mediaqueue:file:{reference}
func fileKey(reference string) string { return keyPrefix + "file:" + reference }

// fileURLKey maps a file URL to its reference: mediaqueue:file_url:{url}
func fileURLKey(url string) string { return keyPrefix + "file_url:" + url }

const (
	fieldRevision = "revision"
	fieldStatus   = "status"
	fieldData     = "data"

	listBatch = 100
)

var _ store.Store = (*Store)(nil)

// Store is a Redis-backed store.Store. The caller owns the client.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Redis-backed store
func New(client goredis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger, now: time.Now}
}

// Ping verifies the Redis connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle
func (s *Store) Close() error { return nil }

// CreateJob stores a new job at revision 1
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	now := s.now().UTC().Truncate(time.Microsecond)
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Revision = 1
	j.CreatedAt = now
	j.UpdatedAt = now

	data, err := j.Marshal()
	if err != nil {
		return err
	}

	key := jobKey(j.ID)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return &store.ConflictError{Kind: store.KindJob, ID: j.ID}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, j.Revision, fieldStatus, string(j.Status), fieldData, data)
			pipe.ZAdd(ctx, jobIndexKey, goredis.Z{Score: float64(now.UnixMicro()), Member: j.ID})
			pipe.HIncrBy(ctx, jobStatsKey, string(j.Status), 1)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return writeError(err, "create job", store.KindJob, j.ID, 0)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.NotFound(store.KindJob, id)
	}
	return decodeJob(id, fields)
}

// SaveJob writes the job if the stored revision still matches
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	expected := j.Revision
	next := *j
	next.Revision = expected + 1
	next.UpdatedAt = s.now().UTC()

	data, err := next.Marshal()
	if err != nil {
		return err
	}

	key := jobKey(j.ID)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.HMGet(ctx, key, fieldRevision, fieldStatus).Result()
		if err != nil {
			return err
		}
		if _, err := checkRevision(stored[0], store.KindJob, j.ID, expected); err != nil {
			return err
		}
		previous, _ := stored[1].(string)

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, next.Revision, fieldStatus, string(next.Status), fieldData, data)
			if previous != string(next.Status) {
				pipe.HIncrBy(ctx, jobStatsKey, previous, -1)
				pipe.HIncrBy(ctx, jobStatsKey, string(next.Status), 1)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return writeError(err, "save job", store.KindJob, j.ID, expected)
	}

	j.Revision = next.Revision
	j.UpdatedAt = next.UpdatedAt
	return nil
}

// ListJobs returns jobs newest first, one past the page size
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*job.Job, error) {
	limit := filter.PageSize + 1
	if filter.PageSize <= 0 {
		limit = 0
	}

	maxScore := "+inf"
	if filter.Cursor != nil {
		maxScore = strconv.FormatInt(filter.Cursor.CreatedAt.UnixMicro(), 10)
	}

	var out []*job.Job
	var offset int64
	for {
		ids, err := s.client.ZRevRangeByScore(ctx, jobIndexKey, &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  listBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}
		offset += int64(len(ids))

		jobs, err := s.getJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			if c := filter.Cursor; c != nil && j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID {
				continue
			}
			out = append(out, j)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(ids) < listBatch {
			return out, nil
		}
	}
}

// getJobs loads jobs in one round trip, skipping ids deleted meanwhile
func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, err := decodeJob(ids[i], fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// JobStats counts jobs per status
func (s *Store) JobStats(ctx context.Context) (store.JobStats, error) {
	counts, err := s.client.HGetAll(ctx, jobStatsKey).Result()
	if err != nil {
		return store.JobStats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	var stats store.JobStats
	for status, raw := range counts {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return store.JobStats{}, fmt.Errorf("invalid count for %s: %w", status, err)
		}
		stats.Add(job.Status(status), n)
	}
	return stats, nil
}

// DeleteJobs removes every job
func (s *Store) DeleteJobs(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, jobKey(id))
	}
	keys = append(keys, jobIndexKey, jobStatsKey)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	s.logger.Info("Jobs deleted", slog.Int("count", len(ids)))
	return nil
}

// CreateEntry stores a new entry at revision 1
func (s *Store) CreateEntry(ctx context.Context, e *store.Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Revision = 1
	return s.createDocument(ctx, store.KindEntry, entryKey(e.ID), e.ID, e, nil)
}

// GetEntry retrieves an entry by ID
func (s *Store) GetEntry(ctx context.Context, id string) (*store.Entry, error) {
	var e store.Entry
	revision, err := s.getDocument(ctx, store.KindEntry, entryKey(id), id, &e)
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.Revision = revision
	return &e, nil
}

// SaveEntry writes the entry if the stored revision still matches
func (s *Store) SaveEntry(ctx context.Context, e *store.Entry) error {
	expected := e.Revision
	next := *e
	next.Revision = expected + 1

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := entryKey(e.ID)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.HGet(ctx, key, fieldRevision).Result()
		if errors.Is(err, goredis.Nil) {
			return store.NotFound(store.KindEntry, e.ID)
		}
		if err != nil {
			return err
		}
		if _, err := checkRevision(stored, store.KindEntry, e.ID, expected); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, next.Revision, fieldData, data)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return writeError(err, "save entry", store.KindEntry, e.ID, expected)
	}

	e.Revision = next.Revision
	return nil
}

// CreateFile stores a file record; an existing reference is a conflict
func (s *Store) CreateFile(ctx context.Context, f *store.File) error {
	f.Revision = 1
	urlKey := fileURLKey(f.URL)
	return s.createDocument(ctx, store.KindFile, fileKey(f.Reference), f.Reference, f, func(pipe goredis.Pipeliner) {
		pipe.Set(ctx, urlKey, f.Reference, 0)
	})
}

// GetFile retrieves a file by reference
func (s *Store) GetFile(ctx context.Context, reference string) (*store.File, error) {
	var f store.File
	revision, err := s.getDocument(ctx, store.KindFile, fileKey(reference), reference, &f)
	if err != nil {
		return nil, err
	}
	f.Reference = reference
	f.Revision = revision
	return &f, nil
}

// GetFileByURL retrieves the file stored at url
func (s *Store) GetFileByURL(ctx context.Context, url string) (*store.File, error) {
	reference, err := s.client.Get(ctx, fileURLKey(url)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, store.NotFound(store.KindFile, url)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return s.GetFile(ctx, reference)
}

// createDocument writes a revision 1 document unless the key exists
func (s *Store) createDocument(ctx context.Context, kind, key, id string, v any, extra func(pipe goredis.Pipeliner)) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return &store.ConflictError{Kind: kind, ID: id}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, 1, fieldData, data)
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return writeError(err, "create "+kind, kind, id, 0)
	}
	return nil
}

// getDocument decodes the stored document into v and returns its revision
func (s *Store) getDocument(ctx context.Context, kind, key, id string, v any) (int64, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	if len(fields) == 0 {
		return 0, store.NotFound(kind, id)
	}

	revision, err := strconv.ParseInt(fields[fieldRevision], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid revision on %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(fields[fieldData]), v); err != nil {
		return 0, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return revision, nil
}

func decodeJob(id string, fields map[string]string) (*job.Job, error) {
	j, err := job.Unmarshal([]byte(fields[fieldData]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	revision, err := strconv.ParseInt(fields[fieldRevision], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid revision on job %s: %w", id, err)
	}
	j.ID = id
	j.Revision = revision
	return j, nil
}

// checkRevision compares the stored revision with the caller's
func checkRevision(stored any, kind, id string, expected int64) (int64, error) {
	raw, ok := stored.(string)
	if !ok {
		return 0, store.NotFound(kind, id)
	}
	current, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid revision on %s %s: %w", kind, id, err)
	}
	if current != expected {
		return current, &store.ConflictError{Kind: kind, ID: id, Expected: expected, Current: current}
	}
	return current, nil
}

// writeError maps an aborted transaction to a revision conflict
func writeError(err error, op, kind, id string, expected int64) error {
	if errors.Is(err, goredis.TxFailedErr) {
		return &store.ConflictError{Kind: kind, ID: id, Expected: expected}
	}
	if store.IsConflict(err) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
