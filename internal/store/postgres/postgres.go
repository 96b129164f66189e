// Package postgres implements store.Store on PostgreSQL. Each record is
// kept as a JSONB document next to a revision column; writes are
// conditional on the revision the caller read.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

// Store handles all database operations for jobs, entries and files
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Store on an open connection pool
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the tables if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID        string    `db:"id"`
	Revision  int64     `db:"revision"`
	Status    string    `db:"status"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *jobRow) decode() (*job.Job, error) {
	j, err := job.Unmarshal(r.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", r.ID, err)
	}
	j.ID = r.ID
	j.Revision = r.Revision
	return j, nil
}

const jobColumns = `id, revision, status, data, created_at, updated_at`

// CreateJob inserts a new job at revision 1
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	now := s.now().UTC()
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

	query := `
		INSERT INTO jobs (id, revision, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, j.ID, j.Revision, string(j.Status), data, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if err := insertedOne(result, store.KindJob, j.ID); err != nil {
		return err
	}

	s.logger.Debug("Job created", slog.String("job_id", j.ID))
	return nil
}

// GetJob retrieves a job by its ID
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound(store.KindJob, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.decode()
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

	query := `
		UPDATE jobs
		SET revision = $3,
		    status = $4,
		    data = $5,
		    updated_at = $6
		WHERE id = $1
		  AND revision = $2
	`
	result, err := s.db.ExecContext(ctx, query, j.ID, expected, next.Revision, string(next.Status), data, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if err := s.updatedOne(ctx, result, store.KindJob, "jobs", "id", j.ID, expected); err != nil {
		return err
	}

	j.Revision = next.Revision
	j.UpdatedAt = next.UpdatedAt
	return nil
}

// ListJobs returns jobs newest first, one past the page size
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// JobStats counts jobs per status
func (s *Store) JobStats(ctx context.Context) (store.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'new') AS new,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'done') AS done,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) AS total
		FROM jobs
	`

	var stats store.JobStats
	if err := s.db.GetContext(ctx, &stats, query); err != nil {
		return store.JobStats{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return stats, nil
}

// DeleteJobs removes every job
func (s *Store) DeleteJobs(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil {
		s.logger.Info("Jobs deleted", slog.Int64("count", n))
	}
	return nil
}

type documentRow struct {
	ID       string `db:"id"`
	Revision int64  `db:"revision"`
	Data     []byte `db:"data"`
}

// CreateEntry inserts a new entry at revision 1
func (s *Store) CreateEntry(ctx context.Context, e *store.Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Revision = 1

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	query := `
		INSERT INTO entries (id, revision, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, e.ID, e.Revision, data)
	if err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return insertedOne(result, store.KindEntry, e.ID)
}

// GetEntry retrieves an entry by its ID
func (s *Store) GetEntry(ctx context.Context, id string) (*store.Entry, error) {
	var row documentRow
	query := `SELECT id, revision, data FROM entries WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound(store.KindEntry, id)
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	var e store.Entry
	if err := json.Unmarshal(row.Data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", id, err)
	}
	e.ID = row.ID
	e.Revision = row.Revision
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

	query := `
		UPDATE entries
		SET revision = $3,
		    data = $4
		WHERE id = $1
		  AND revision = $2
	`
	result, err := s.db.ExecContext(ctx, query, e.ID, expected, next.Revision, data)
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	if err := s.updatedOne(ctx, result, store.KindEntry, "entries", "id", e.ID, expected); err != nil {
		return err
	}

	e.Revision = next.Revision
	return nil
}

// CreateFile inserts a file record; an existing reference is a conflict
func (s *Store) CreateFile(ctx context.Context, f *store.File) error {
	f.Revision = 1

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	query := `
		INSERT INTO files (reference, revision, url, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, f.Reference, f.Revision, f.URL, data)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return insertedOne(result, store.KindFile, f.Reference)
}

// GetFile retrieves a file by reference
func (s *Store) GetFile(ctx context.Context, reference string) (*store.File, error) {
	return s.getFile(ctx, `SELECT reference AS id, revision, data FROM files WHERE reference = $1`, reference)
}

// GetFileByURL retrieves the file stored at url
func (s *Store) GetFileByURL(ctx context.Context, url string) (*store.File, error) {
	return s.getFile(ctx, `SELECT reference AS id, revision, data FROM files WHERE url = $1 LIMIT 1`, url)
}

func (s *Store) getFile(ctx context.Context, query, key string) (*store.File, error) {
	var row documentRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound(store.KindFile, key)
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	var f store.File
	if err := json.Unmarshal(row.Data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode file %s: %w", row.ID, err)
	}
	f.Reference = row.ID
	f.Revision = row.Revision
	return &f, nil
}

// insertedOne turns an insert that hit an existing key into a conflict
func insertedOne(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &store.ConflictError{Kind: kind, ID: id}
	}
	return nil
}

// updatedOne tells a lost revision race apart from a missing record
func (s *Store) updatedOne(ctx context.Context, result sql.Result, kind, table, keyColumn, id string, expected int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current int64
	query := fmt.Sprintf(`SELECT revision FROM %s WHERE %s = $1`, table, keyColumn)
	if err := s.db.GetContext(ctx, &current, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound(kind, id)
		}
		return fmt.Errorf("failed to read %s revision: %w", kind, err)
	}

	s.logger.Warn("Revision conflict",
		slog.String("kind", kind),
		slog.String("id", id),
		slog.Int64("expected", expected),
		slog.Int64("current", current),
	)
	return &store.ConflictError{Kind: kind, ID: id, Expected: expected, Current: current}
}
