package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// SchemeLocal marks files kept in storage on this host
const SchemeLocal = "local"

// ReadMetadataOptions configures the read_metadata step
type ReadMetadataOptions struct {
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mime_type"`
	EntryID  string `json:"entry_id"`
}

// ReadMetadataResult carries the extracted metadata
type ReadMetadataResult struct {
	Metadata map[string]any `json:"metadata"`
}

type readMetadata struct {
	deps *Deps
}

// Run analyses the file and merges the metadata into the entry.
// A mime type without an analyser finishes the step with no result.
func (h *readMetadata) Run(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[ReadMetadataOptions](step)
	if err != nil {
		return err
	}
	if opts.EntryID == "" {
		return fmt.Errorf("%w: entry_id is required", ErrInvalidOptions)
	}

	analyser, ok := h.deps.Analysers[opts.MimeType]
	if !ok {
		h.deps.Logger.Info("No analyser for mime type",
			slog.String("job_id", j.ID),
			slog.String("mime_type", opts.MimeType),
		)
		return nil
	}

	filePath, err := sourcePath(j, opts.Path)
	if err != nil {
		return err
	}
	metadata, err := analyser.Analyse(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to analyse %s: %w", filePath, err)
	}

	err = retry.Do(ctx, h.deps.Retry, func(ctx context.Context) error {
		entry, err := h.deps.Entries.GetEntry(ctx, opts.EntryID)
		if err != nil {
			return err
		}
		entry.MergeMetadata(metadata)
		return h.deps.Entries.SaveEntry(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to update entry metadata: %w", err)
	}

	return step.SetResult(ReadMetadataResult{Metadata: metadata})
}

// ToMainOptions configures the to_main step
type ToMainOptions struct {
	Path      string `json:"path,omitempty"`
	EntryID   string `json:"entry_id"`
	SourceURL string `json:"source_url"`
	Reference string `json:"reference,omitempty"`
}

// ToMainResult is where the file landed in main storage
type ToMainResult struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type toMain struct {
	deps *Deps
}

// Run files the cut copy into main storage and records it on the entry
func (h *toMain) Run(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[ToMainOptions](step)
	if err != nil {
		return err
	}
	if opts.EntryID == "" || opts.SourceURL == "" {
		return fmt.Errorf("%w: entry_id and source_url are required", ErrInvalidOptions)
	}

	entry, err := h.deps.Entries.GetEntry(ctx, opts.EntryID)
	if err != nil {
		return fmt.Errorf("failed to get entry: %w", err)
	}
	source, err := h.deps.Files.GetFileByURL(ctx, opts.SourceURL)
	if err != nil {
		return fmt.Errorf("failed to get source file: %w", err)
	}

	srcPath, err := sourcePath(j, opts.Path)
	if err != nil {
		return err
	}
	reference := opts.Reference
	if reference == "" {
		hash, err := job.ResultOf[CalculateHashResult](j, job.MethodCalculateHash)
		if err != nil {
			return fmt.Errorf("%w: no reference and no hash: %v", ErrInvalidOptions, err)
		}
		reference = hash.CalculatedHash
	}

	taken, err := takenDate(j, entry, srcPath)
	if err != nil {
		return err
	}

	sourceRef, found := entry.FileByReference(source.Reference)
	purpose := store.PurposeUnknown
	if found {
		purpose = sourceRef.Purpose
	}

	name := path.Base(opts.SourceURL)
	if err := safeName(name); err != nil {
		return fmt.Errorf("%w: source_url %q: %w", ErrInvalidOptions, opts.SourceURL, err)
	}
	mainPath, err := within(h.deps.MainRoot, string(entry.Type), string(purpose), taken, name)
	if err != nil {
		return err
	}
	fileURL, err := h.localURL(mainPath)
	if err != nil {
		return err
	}

	h.deps.Logger.Info("Moving file to main storage",
		slog.String("job_id", j.ID),
		slog.String("reference", reference),
		slog.String("main_path", mainPath),
	)
	if err := copyFile(h.deps.Logger, srcPath, mainPath, true); err != nil {
		return err
	}

	err = retry.Do(ctx, h.deps.Retry, func(ctx context.Context) error {
		if err := h.ensureFile(ctx, &store.File{
			Reference: reference,
			URL:       fileURL,
			MimeType:  source.MimeType,
			Status:    store.FileStatusManaged,
		}); err != nil {
			return err
		}

		entry, err := h.deps.Entries.GetEntry(ctx, opts.EntryID)
		if err != nil {
			return err
		}
		if _, exists := entry.FileByReference(reference); exists {
			return nil
		}
		entry.Files = append(entry.Files, store.FileReference{
			Purpose:   purpose,
			Version:   sourceRef.Version,
			Reference: reference,
			MimeType:  sourceRef.MimeType,
		})
		return h.deps.Entries.SaveEntry(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to record main file: %w", err)
	}

	return step.SetResult(ToMainResult{Path: mainPath, URL: fileURL})
}

// ensureFile creates the file record unless one already holds the reference
func (h *toMain) ensureFile(ctx context.Context, f *store.File) error {
	_, err := h.deps.Files.GetFile(ctx, f.Reference)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := h.deps.Files.CreateFile(ctx, f); err != nil && !store.IsConflict(err) {
		return err
	}
	return nil
}

// localURL maps a main storage path to its local:// URL
func (h *toMain) localURL(absolute string) (string, error) {
	rel, err := filepath.Rel(h.deps.MainRoot, absolute)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s under main storage: %w", absolute, err)
	}
	u := url.URL{Scheme: SchemeLocal, Host: h.deps.Hostname, Path: "/" + filepath.ToSlash(rel)}
	return u.String(), nil
}

// takenDate is the YYYY-MM-DD the media was taken, from metadata or file mtime
func takenDate(j *job.Job, entry *store.Entry, filePath string) (string, error) {
	metadata := entry.Metadata
	if md, err := job.ResultOf[ReadMetadataResult](j, job.MethodReadMetadata); err == nil && md.Metadata != nil {
		metadata = md.Metadata
	}
	if ts, ok := metadata["taken_ts"].(string); ok && len(ts) >= 10 {
		if taken, err := time.Parse(time.DateOnly, ts[:10]); err == nil {
			return taken.Format(time.DateOnly), nil
		}
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	return info.ModTime().Format(time.DateOnly), nil
}

// localStores are the purposes whose files live under main storage
var localStores = map[store.FilePurpose]struct{}{
	store.PurposeOriginal:   {},
	store.PurposeDerivative: {},
	store.PurposeThumb:      {},
	store.PurposeProxy:      {},
	store.PurposeCheck:      {},
	store.PurposeRaw:        {},
}

// Variant names one stored rendition of an entry
type Variant struct {
	Store     store.FilePurpose `json:"store"`
	Version   int               `json:"version"`
	Extension string            `json:"extension,omitempty"`
}

// Filename is the variant's path relative to main storage
func (v Variant) Filename(entryID string) string {
	return filepath.Join(string(v.Store), v.baseName(entryID))
}

func (v Variant) baseName(entryID string) string {
	return fmt.Sprintf("%s_%d%s", entryID, v.Version, v.Extension)
}

// DeleteOptions configures the delete step
type DeleteOptions struct {
	EntryID string  `json:"entry_id"`
	Variant Variant `json:"variant"`
}

type deleteVariant struct {
	deps *Deps
}

// Run removes a local variant file
func (h *deleteVariant) Run(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[DeleteOptions](step)
	if err != nil {
		return err
	}
	if opts.EntryID == "" {
		return fmt.Errorf("%w: entry_id is required", ErrInvalidOptions)
	}
	if _, ok := localStores[opts.Variant.Store]; !ok {
		return fmt.Errorf("%w: files on store %q cannot be deleted", ErrInvalidOptions, opts.Variant.Store)
	}

	if err := safeName(opts.EntryID); err != nil {
		return fmt.Errorf("%w: entry_id: %w", ErrInvalidOptions, err)
	}
	if err := safeName(opts.Variant.baseName(opts.EntryID)); err != nil {
		return fmt.Errorf("%w: variant: %w", ErrInvalidOptions, err)
	}
	target, err := within(h.deps.MainRoot, opts.Variant.Filename(opts.EntryID))
	if err != nil {
		return err
	}
	h.deps.Logger.Info("Deleting variant",
		slog.String("job_id", j.ID),
		slog.String("entry_id", opts.EntryID),
		slog.String("path", target),
	)
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", target, err)
	}
	return nil
}
