// Package store defines the shared entities and the revision-checked
// persistence interfaces used by the API, the dispatcher and the step
// handlers. Every write carries the revision the caller last read; a
// mismatch is reported as ErrConflict and never applied.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
)

// Record kinds used in errors
const (
	KindJob   = "job"
	KindEntry = "entry"
	KindFile  = "file"
)

// EntryType classifies a catalogue entry
type EntryType string

// Entry types
const (
	EntryTypeImage    EntryType = "image"
	EntryTypeVideo    EntryType = "video"
	EntryTypeAudio    EntryType = "audio"
	EntryTypeDocument EntryType = "document"
	EntryTypeOther    EntryType = "other"
)

// FilePurpose is the role a file plays for its entry
type FilePurpose string

// File purposes
const (
	PurposeRaw        FilePurpose = "raw"
	PurposeDerivative FilePurpose = "derivative"
	PurposeOriginal   FilePurpose = "original"
	PurposeProxy      FilePurpose = "proxy"
	PurposeThumb      FilePurpose = "thumb"
	PurposeCheck      FilePurpose = "check"
	PurposeUnknown    FilePurpose = "unknown"
)

// FileStatus tells whether the system owns a file's bytes
type FileStatus string

// File statuses
const (
	FileStatusNew     FileStatus = "new"
	FileStatusManaged FileStatus = "managed"
)

// FileReference links an entry to a file by content reference
type FileReference struct {
	Purpose   FilePurpose `json:"purpose"`
	Version   int         `json:"version"`
	Reference string      `json:"reference"`
	MimeType  string      `json:"mime_type,omitempty"`
	Extension string      `json:"extension,omitempty"`
}

// Entry is a catalogued media item
type Entry struct {
	ID       string          `json:"id"`
	Revision int64           `json:"revision"`
	Type     EntryType       `json:"type"`
	State    string          `json:"state"`
	Files    []FileReference `json:"files"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
}

// FileByReference returns the first file reference with the given reference
func (e *Entry) FileByReference(reference string) (FileReference, bool) {
	for _, ref := range e.Files {
		if ref.Reference == reference {
			return ref, true
		}
	}
	return FileReference{}, false
}

// MergeMetadata overlays md onto the entry's metadata
func (e *Entry) MergeMetadata(md map[string]any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		e.Metadata[k] = v
	}
}

// File is a stored blob addressed by URL
type File struct {
	Reference string     `json:"reference"`
	Revision  int64      `json:"revision"`
	URL       string     `json:"url"`
	MimeType  string     `json:"mime_type,omitempty"`
	Status    FileStatus `json:"status"`
}

// JobFilter selects jobs for listing
type JobFilter struct {
	Status   job.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last listed job
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobStats counts jobs per status
type JobStats struct {
	New     int `json:"new" db:"new"`
	Running int `json:"running" db:"running"`
	Done    int `json:"done" db:"done"`
	Failed  int `json:"failed" db:"failed"`
	Total   int `json:"total" db:"total"`
}

// Add counts n jobs in status
func (s *JobStats) Add(status job.Status, n int) {
	switch status {
	case job.StatusNew:
		s.New += n
	case job.StatusRunning:
		s.Running += n
	case job.StatusDone:
		s.Done += n
	case job.StatusFailed:
		s.Failed += n
	}
	s.Total += n
}

// JobStore persists jobs
type JobStore interface {
	// CreateJob assigns an id, sets revision 1 and stores the job
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	// SaveJob writes j if j.Revision matches, then bumps j.Revision
	SaveJob(ctx context.Context, j *job.Job) error
	// ListJobs returns up to PageSize+1 jobs, newest first
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error)
	JobStats(ctx context.Context) (JobStats, error)
	DeleteJobs(ctx context.Context) error
}

// EntryStore persists entries
type EntryStore interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	// SaveEntry writes e if e.Revision matches, then bumps e.Revision
	SaveEntry(ctx context.Context, e *Entry) error
}

// FileStore persists file records keyed by reference
type FileStore interface {
	// CreateFile stores f; an existing reference is a conflict
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, reference string) (*File, error)
	GetFileByURL(ctx context.Context, url string) (*File, error)
}

// Store groups every repository
type Store interface {
	JobStore
	EntryStore
	FileStore
	Close() error
}
